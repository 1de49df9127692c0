package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Envelope keys reserved by the engine. Payload fields never override them.
const (
	FieldType      = "type"
	FieldTimestamp = "timestamp"
	FieldMessageID = "messageId"
)

// TypeBatch is the envelope type wrapping two or more messages flushed
// together.
const TypeBatch = "batch"

// System notification types emitted on room membership changes.
const (
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
)

// Connection describes a live transport session for one user. It is ephemeral
// and owned exclusively by the process holding the transport; it never crosses
// instances.
type Connection struct {
	UserID            string
	ConnectionID      string
	ConnectedAt       time.Time
	LastActivityAt    time.Time
	TransportMetadata map[string]string
}

// RoomKey identifies a logical fanout group, e.g. a team or a game session.
type RoomKey struct {
	Type string
	ID   string
}

// Channel returns the broker channel carrying this room's events.
func (k RoomKey) Channel() string { return k.Type + ":" + k.ID }

// SystemChannel returns the broker channel carrying this room's advisory
// membership events.
func (k RoomKey) SystemChannel() string { return k.Channel() + ":system" }

func (k RoomKey) String() string { return k.Channel() }

// UserChannel returns the broker channel addressing a single user.
func UserChannel(userID string) string { return "user:" + userID }

// Queued is one undelivered notification. Body is the complete wire envelope
// ({type, timestamp, messageId, ...payload}); ID, Type and EnqueuedAt are
// bookkeeping duplicates of its reserved fields.
type Queued struct {
	ID         string
	Type       string
	Body       map[string]interface{}
	EnqueuedAt time.Time
}

// NewQueued builds a message envelope around payload, annotating the server
// timestamp and a fresh message id. Reserved keys in payload are ignored.
func NewQueued(msgType string, payload map[string]interface{}) Queued {
	now := time.Now().UTC()
	id := uuid.NewString()

	body := make(map[string]interface{}, len(payload)+3)
	for k, v := range payload {
		body[k] = v
	}
	body[FieldType] = msgType
	body[FieldTimestamp] = now
	body[FieldMessageID] = id

	return Queued{ID: id, Type: msgType, Body: body, EnqueuedAt: now}
}

// FromEnvelope reconstructs a Queued from a decoded wire envelope, tolerating
// envelopes produced by other instances or older builds.
func FromEnvelope(body map[string]interface{}) Queued {
	q := Queued{Body: body, EnqueuedAt: time.Now().UTC()}
	if v, ok := body[FieldMessageID].(string); ok {
		q.ID = v
	}
	if v, ok := body[FieldType].(string); ok {
		q.Type = v
	}
	if v, ok := body[FieldTimestamp].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			q.EnqueuedAt = ts
		}
	}
	return q
}

// Batch wraps two or more envelopes into the batch wire form. A single
// message is sent unwrapped, so callers should not wrap slices of length one.
func Batch(messages []Queued) map[string]interface{} {
	bodies := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		bodies = append(bodies, m.Body)
	}
	return map[string]interface{}{
		FieldType:  TypeBatch,
		"messages": bodies,
	}
}
