package forwarding

import (
	"bytes"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/packets"

	pwauth "github.com/kabili207/phone-presence-server/pkg/auth"
)

// Credential is a broker login. The password is stored as a salted hash.
type Credential struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Salt         string `mapstructure:"salt"`
}

// ReadOnlyHookOptions contains configuration settings for the hook.
type ReadOnlyHookOptions struct {
	TopicPrefix string
	Users       []Credential
}

// ReadOnlyHook authenticates broker clients against the configured
// credentials and lets them subscribe under the forwarding prefix only.
// Messages come from the server's inline client, which skips these checks.
type ReadOnlyHook struct {
	mqtt.HookBase
	filter auth.RString
	users  map[string]Credential

	clientLock sync.RWMutex
	clients    map[string]string
}

func (h *ReadOnlyHook) ID() string {
	return "presence-readonly"
}

func (h *ReadOnlyHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
	}, []byte{b})
}

func (h *ReadOnlyHook) Init(config any) error {
	opts, ok := config.(*ReadOnlyHookOptions)
	if !ok || opts == nil {
		return mqtt.ErrInvalidConfigType
	}
	h.filter = auth.RString(opts.TopicPrefix + "/#")
	h.users = make(map[string]Credential, len(opts.Users))
	for _, u := range opts.Users {
		h.users[u.Username] = u
	}
	h.clients = make(map[string]string)
	h.Log.Info("initialised", "users", len(h.users), "filter", h.filter)
	return nil
}

func (h *ReadOnlyHook) validateUser(user, pass string) bool {
	u, ok := h.users[user]
	if !ok {
		return false
	}
	return pwauth.CheckPassword(pass, u.Salt, u.PasswordHash)
}

func (h *ReadOnlyHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	user := string(pk.Connect.Username)
	if !h.validateUser(user, string(pk.Connect.Password)) {
		h.Log.Info("client failed authentication", "username", user, "client", cl.ID, "remote", cl.Net.Remote)
		return false
	}
	h.clientLock.Lock()
	h.clients[cl.ID] = user
	h.clientLock.Unlock()
	h.Log.Info("client authenticated", "username", user, "client", cl.ID)
	return true
}

// OnACLCheck allows reads under the prefix and rejects every write.
func (h *ReadOnlyHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if write {
		return false
	}
	h.clientLock.RLock()
	_, known := h.clients[cl.ID]
	h.clientLock.RUnlock()
	if !known {
		h.Log.Warn("unknown client in ACL check", "client", cl.ID, "topic", topic)
		return false
	}
	return h.filter.FilterMatches(topic)
}

func (h *ReadOnlyHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.clientLock.Lock()
	delete(h.clients, cl.ID)
	h.clientLock.Unlock()
	if err != nil {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire, "error", err)
	} else {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire)
	}
}

func (h *ReadOnlyHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	h.Log.Debug("subscribed", "client", cl.ID, "filters", pk.Filters, "reason_codes", reasonCodes)
}
