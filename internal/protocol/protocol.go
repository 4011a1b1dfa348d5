package protocol

import "encoding/json"

const Version = "1.0"

// Feed message types.
const (
	TypeSubscribe    = "SUBSCRIBE"
	TypeSubscribed   = "SUBSCRIBED"
	TypeBlockInsert  = "BLOCK_INSERT"
	TypeWorldUpdate  = "WORLD_UPDATE"
	TypePresenceSync = "PRESENCE_SYNC"
	TypeError        = "ERROR"
)

// Channel kinds a subscriber can ask for.
const (
	ChannelBlocks   = "blocks"
	ChannelPresence = "presence"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
