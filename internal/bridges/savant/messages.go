package savant

import (
	"strings"
	"time"

	"github.com/nerrad567/savantaudio/internal/infrastructure/mqtt"
	"github.com/nerrad567/savantaudio/internal/mediaplayer"
)

// CommandMessage asks the bridge to run a media player service on a zone.
// Topic: savantaudio/command/{key}
type CommandMessage struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source names the originator, e.g. "automation" or "panel".
	Source string `json:"source,omitempty"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
	AckTimeout  AckStatus = "timeout"
)

// Error codes carried in acks and responses.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeTimeout           = "TIMEOUT"
)

// AckMessage answers a CommandMessage.
// Topic: savantaudio/ack/{key}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	EntityID  string    `json:"entity_id"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError describes why a command failed.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAck builds an accepted acknowledgement.
func NewAck(cmd CommandMessage, entityID string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		EntityID:  entityID,
		Status:    AckAccepted,
	}
}

// NewAckError builds a failed or timed out acknowledgement.
func NewAckError(cmd CommandMessage, entityID string, status AckStatus, code, message string) AckMessage {
	ack := NewAck(cmd, entityID)
	ack.Status = status
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// Request actions.
const (
	ActionReadState = "read_state"
	ActionReadAll   = "read_all"
)

// RequestMessage asks for zone state.
// Topic: savantaudio/request/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`

	// EntityID selects the zone for read_state.
	EntityID string `json:"entity_id,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: savantaudio/response/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError describes why a request failed.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newResponse(requestID string) ResponseMessage {
	return ResponseMessage{RequestID: requestID, Timestamp: time.Now().UTC(), Success: true}
}

func newErrorResponse(requestID, code, message string) ResponseMessage {
	resp := newResponse(requestID)
	resp.Success = false
	resp.Error = &ResponseError{Code: code, Message: message}
	return resp
}

// StateMessage is the retained zone state.
// Topic: savantaudio/state/{key}, QoS 1, retained.
type StateMessage struct {
	EntityID  string            `json:"entity_id"`
	Timestamp time.Time         `json:"timestamp"`
	State     mediaplayer.State `json:"state"`
}

// DiscoveryMessage describes a zone entity so consumers can build controls
// without reading the config entry.
// Topic: savantaudio/discovery/{key}, QoS 1, retained.
type DiscoveryMessage struct {
	EntityID          string          `json:"entity_id"`
	UniqueID          string          `json:"unique_id"`
	Name              string          `json:"name"`
	Serial            string          `json:"serial"`
	Output            int             `json:"output"`
	DeviceClass       string          `json:"device_class"`
	SupportedFeatures int             `json:"supported_features"`
	SourceList        []string        `json:"source_list"`
	SoundModeList     []string        `json:"sound_mode_list"`
	Services          []string        `json:"services"`
	Topics            DiscoveryTopics `json:"topics"`
}

// DiscoveryTopics lists the per-zone topics.
type DiscoveryTopics struct {
	State   string `json:"state"`
	Command string `json:"command"`
	Ack     string `json:"ack"`
}

// NewDiscoveryMessage describes the zone in s.
func NewDiscoveryMessage(s mediaplayer.State) DiscoveryMessage {
	key := EntityKey(s.EntityID)
	t := mqtt.Topics{}
	return DiscoveryMessage{
		EntityID:          s.EntityID,
		UniqueID:          s.UniqueID,
		Name:              s.Name,
		Serial:            s.Serial,
		Output:            s.Number,
		DeviceClass:       s.DeviceClass,
		SupportedFeatures: s.SupportedFeatures,
		SourceList:        s.SourceList,
		SoundModeList:     s.SoundModeList,
		Services:          mediaplayer.Services,
		Topics: DiscoveryTopics{
			State:   t.State(key),
			Command: t.Command(key),
			Ack:     t.Ack(key),
		},
	}
}

// EntityKey returns the topic key for an entity id: its object id.
func EntityKey(entityID string) string {
	return strings.TrimPrefix(entityID, mediaplayer.EntityDomain+".")
}

// EntityIDForKey is the inverse of EntityKey.
func EntityIDForKey(key string) string {
	return mediaplayer.EntityDomain + "." + key
}
