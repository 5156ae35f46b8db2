package mqtt

import "strings"

// TopicPrefix is the root of every savantaudio topic.
const TopicPrefix = "savantaudio"

// Topics builds savantaudio topic names. Zone topics are keyed by the entity
// object id, the part of "media_player.living_room" after the dot.
//
//	Topics{}.State("living_room")   // savantaudio/state/living_room
//	Topics{}.Request("req-1")       // savantaudio/request/req-1
type Topics struct{}

// State is the retained zone state topic.
func (Topics) State(key string) string { return join("state", key) }

// Command is the topic zone commands arrive on.
func (Topics) Command(key string) string { return join("command", key) }

// Ack carries command acknowledgements for a zone.
func (Topics) Ack(key string) string { return join("ack", key) }

// Discovery is the retained entity description topic.
func (Topics) Discovery(key string) string { return join("discovery", key) }

// Request is the topic a read request with requestID arrives on.
func (Topics) Request(requestID string) string { return join("request", requestID) }

// Response answers the request with requestID.
func (Topics) Response(requestID string) string { return join("response", requestID) }

// Health is the retained service health topic, also used for the Last Will.
func (Topics) Health() string { return join("health") }

// AllCommands matches every zone command topic.
func (Topics) AllCommands() string { return join("command", "+") }

// AllRequests matches every request topic.
func (Topics) AllRequests() string { return join("request", "+") }

// AllStates matches every zone state topic.
func (Topics) AllStates() string { return join("state", "+") }

// All matches everything under the prefix.
func (Topics) All() string { return join("#") }

// Parse splits a savantaudio topic into its kind and key. ok is false for
// topics outside the prefix or with the wrong number of levels.
func (Topics) Parse(topic string) (kind, key string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func join(levels ...string) string {
	return TopicPrefix + "/" + strings.Join(levels, "/")
}
