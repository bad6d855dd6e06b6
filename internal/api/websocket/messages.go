package websocket

import (
	"slices"
	"time"

	"github.com/keunjinahn/things-plc/internal/stream"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Live data
	MessageTypeReading   MessageType = "reading"
	MessageTypeJobResult MessageType = "job_result"

	// Session
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// EventMessage wraps a stream event. The message keeps the event time.
func EventMessage(ev stream.Event) Message {
	msg := Message{Timestamp: ev.Timestamp}
	switch ev.Kind {
	case stream.KindJobResult:
		msg.Type = MessageTypeJobResult
		msg.Data = ev.Job
	default:
		msg.Type = MessageTypeReading
		msg.Data = ev.Reading
	}
	return msg
}

// inbound is what clients send: {"type":"auth","token":"..."} or
// {"type":"subscribe","devices":[...],"tags":[...],"kinds":[...]}.
type inbound struct {
	Type    string   `json:"type"`
	Token   string   `json:"token,omitempty"`
	Devices []string `json:"devices,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Kinds   []string `json:"kinds,omitempty"`
}

// Subscription filters events for one client. Empty lists match everything.
type Subscription struct {
	Devices []string `json:"devices"`
	Tags    []string `json:"tags"`
	Kinds   []string `json:"kinds"`
}

func (s Subscription) Match(ev stream.Event) bool {
	if len(s.Kinds) > 0 && !slices.Contains(s.Kinds, string(ev.Kind)) {
		return false
	}
	if ev.Reading == nil {
		// job results carry no device or tag
		return true
	}
	if len(s.Devices) > 0 && !slices.Contains(s.Devices, ev.Reading.Device) {
		return false
	}
	if len(s.Tags) > 0 && !slices.Contains(s.Tags, ev.Reading.Tag) {
		return false
	}
	return true
}
