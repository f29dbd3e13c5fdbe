package forwarding

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kabili207/phone-presence-server/pkg/broadcast"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Payload encodings understood by the forwarder.
const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

// Encode renders an envelope for the wire. The proto format is a
// google.protobuf.Struct holding the same fields as the JSON form.
func Encode(env broadcast.Envelope, format string) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(format) {
	case "", FormatJSON:
		return raw, nil
	case FormatProto:
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		st, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("building struct: %w", err)
		}
		return proto.Marshal(st)
	}
	return nil, fmt.Errorf("unknown forwarding format %q", format)
}

// topicLevel replaces the characters MQTT reserves in topic names so an id
// always stays a single level.
var topicLevel = strings.NewReplacer("/", "_", "+", "_", "#", "_", "\x00", "")

// Topic returns <prefix>/<type>/<userId>, or <prefix>/<type> for messages
// not about a single extension.
func Topic(prefix string, env broadcast.Envelope) string {
	prefix = strings.TrimRight(prefix, "/")
	topic := prefix + "/" + env.Payload.Type()
	if id, ok := env.Payload["userId"].(string); ok && id != "" {
		topic += "/" + topicLevel.Replace(id)
	}
	return topic
}
