package mqtt

import "strings"

// DefaultTopicPrefix is used when the configured prefix is empty.
const DefaultTopicPrefix = "robotbridge"

// Topics builds the bridge's MQTT topic names under one prefix:
//
//	{prefix}/status            retained device link state
//	{prefix}/system/status     bridge process online/offline (LWT)
//	{prefix}/command/{type}    inbound control messages
//
// Using these helpers keeps publishers and subscribers in agreement.
type Topics struct {
	Prefix string
}

// NewTopics returns a builder for prefix, trimming any trailing slash.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

// Status returns the retained device link state topic.
//
// Example: robotbridge/status
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// SystemStatus returns the bridge process status topic (also the LWT topic).
//
// Example: robotbridge/system/status
func (t Topics) SystemStatus() string {
	return t.Prefix + "/system/status"
}

// Command returns the inbound command topic for one message type.
//
// Example: robotbridge/command/move
func (t Topics) Command(msgType string) string {
	return t.Prefix + "/command/" + msgType
}

// AllCommands returns a single-level wildcard over every command type.
//
// Example: robotbridge/command/+
func (t Topics) AllCommands() string {
	return t.Command("+")
}
