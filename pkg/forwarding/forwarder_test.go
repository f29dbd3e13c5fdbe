package forwarding

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kabili207/phone-presence-server/pkg/auth"
	"github.com/kabili207/phone-presence-server/pkg/broadcast"
)

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	msgs   []published
	fail   error
	closed bool
}

func (p *fakePublisher) Publish(topic string, qos byte, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.msgs = append(p.msgs, published{topic, qos, payload})
	return nil
}

func (p *fakePublisher) Status() Status { return Status{Name: "fake", Connected: true} }

func (p *fakePublisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func presenceEnv(seq uint64, user string) broadcast.Envelope {
	return broadcast.Envelope{
		Sequence:  seq,
		Payload:   broadcast.Payload{"type": broadcast.TypePresenceUpdate, "userId": user, "presence_status": "away"},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestTopic(t *testing.T) {
	require.Equal(t, "presence/presence_update/U1", Topic("presence/", presenceEnv(1, "U1")))
	require.Equal(t, "x/heartbeat", Topic("x", broadcast.Envelope{Payload: broadcast.Payload{"type": "heartbeat"}}))

	for id, want := range map[string]string{
		"a/b":   "presence/presence_update/a_b",
		"+":     "presence/presence_update/_",
		"ext#1": "presence/presence_update/ext_1",
	} {
		require.Equal(t, want, Topic("presence", presenceEnv(1, id)), id)
	}
}

func TestEncodeProto(t *testing.T) {
	raw, err := Encode(presenceEnv(7, "U1"), FormatProto)
	require.NoError(t, err)

	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))
	m := st.AsMap()
	require.Equal(t, "U1", m["userId"])
	require.Equal(t, float64(7), m["eventId"])

	_, err = Encode(presenceEnv(1, "U1"), "xml")
	require.Error(t, err)
}

func TestForwarderPublishesInOrder(t *testing.T) {
	pub := &fakePublisher{}
	fw := New(pub, Options{TopicPrefix: "pp", QoS: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fw.Run(ctx)
		close(done)
	}()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, fw.Send(presenceEnv(i, "U1")))
	}
	require.Eventually(t, func() bool { return pub.count() == 5 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.True(t, pub.closed)
	require.Equal(t, "pp/presence_update/U1", pub.msgs[0].topic)
	require.Equal(t, byte(1), pub.msgs[0].qos)
	require.Contains(t, string(pub.msgs[4].payload), `"eventId":5`)

	st := fw.Status()
	require.Equal(t, uint64(5), st.Forwarded)
	require.Equal(t, "pp/#", st.Topic)
}

func TestForwarderDropsWhenFullAndNeverFails(t *testing.T) {
	pub := &fakePublisher{fail: errors.New("offline")}
	fw := New(pub, Options{BufferSize: 2})

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, fw.Send(presenceEnv(i, "U1")))
	}
	require.Equal(t, uint64(2), fw.Status().Dropped)
}

func TestReadOnlyHook(t *testing.T) {
	hash, salt, err := auth.GenerateHashAndSalt("s3cret")
	require.NoError(t, err)

	h := new(ReadOnlyHook)
	h.Log = slog.Default()
	require.NoError(t, h.Init(&ReadOnlyHookOptions{
		TopicPrefix: "presence",
		Users:       []Credential{{Username: "board", PasswordHash: hash, Salt: salt}},
	}))

	cl := &mqtt.Client{ID: "c1"}
	connect := func(user, pass string) packets.Packet {
		return packets.Packet{Connect: packets.ConnectParams{Username: []byte(user), Password: []byte(pass)}}
	}

	require.False(t, h.OnACLCheck(cl, "presence/#", false), "unauthenticated client")
	require.False(t, h.OnConnectAuthenticate(cl, connect("board", "wrong")))
	require.False(t, h.OnConnectAuthenticate(cl, connect("nobody", "s3cret")))
	require.True(t, h.OnConnectAuthenticate(cl, connect("board", "s3cret")))

	require.True(t, h.OnACLCheck(cl, "presence/#", false))
	require.True(t, h.OnACLCheck(cl, "presence/call_status_update/U1", false))
	require.False(t, h.OnACLCheck(cl, "presence/presence_update/U1", true), "writes are rejected")
	require.False(t, h.OnACLCheck(cl, "other/topic", false))

	h.OnDisconnect(cl, nil, false)
	require.False(t, h.OnACLCheck(cl, "presence/#", false))
}
