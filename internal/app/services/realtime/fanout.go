package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
	"github.com/wellmesh/realtime_layer/internal/app/metrics"
	"github.com/wellmesh/realtime_layer/pkg/logger"
)

// Fanout publishes notification envelopes to broadcast channels. Envelopes
// carry the server timestamp and message identifier stamped when they were
// built; ordering holds per publishing process only.
type Fanout struct {
	broker Broker
	log    *logger.Logger
}

// NewFanout creates a Fanout over the given broker.
func NewFanout(broker Broker, log *logger.Logger) *Fanout {
	if log == nil {
		log = logger.NewDefault("realtime-fanout")
	}
	return &Fanout{broker: broker, log: log}
}

// PublishUser broadcasts an envelope addressed to one user.
func (f *Fanout) PublishUser(ctx context.Context, userID string, msg realtime.Queued) error {
	return f.publish(ctx, realtime.UserChannel(userID), "user", msg)
}

// PublishRoom broadcasts an envelope to every member of a room.
func (f *Fanout) PublishRoom(ctx context.Context, key realtime.RoomKey, msg realtime.Queued) error {
	return f.publish(ctx, key.Channel(), "room", msg)
}

// PublishRoomSystem broadcasts a membership advisory on the room's system
// channel.
func (f *Fanout) PublishRoomSystem(ctx context.Context, key realtime.RoomKey, msg realtime.Queued) error {
	return f.publish(ctx, key.SystemChannel(), "system", msg)
}

func (f *Fanout) publish(ctx context.Context, channel, kind string, msg realtime.Queued) error {
	data, err := json.Marshal(msg.Body)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := f.broker.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	metrics.RecordBroadcast(kind)
	return nil
}

// broadcastTarget is the decoded addressing of a received broadcast.
type broadcastTarget struct {
	user   string
	room   realtime.RoomKey
	system bool
}

// parseChannel decodes a channel name into its target. Identifiers must not
// contain ":".
func parseChannel(channel string) (broadcastTarget, bool) {
	if strings.HasPrefix(channel, "user:") {
		userID := strings.TrimPrefix(channel, "user:")
		if userID == "" {
			return broadcastTarget{}, false
		}
		return broadcastTarget{user: userID}, true
	}

	parts := strings.Split(channel, ":")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return broadcastTarget{}, false
		}
		return broadcastTarget{room: realtime.RoomKey{Type: parts[0], ID: parts[1]}}, true
	case 3:
		if parts[0] == "" || parts[1] == "" || parts[2] != "system" {
			return broadcastTarget{}, false
		}
		return broadcastTarget{room: realtime.RoomKey{Type: parts[0], ID: parts[1]}, system: true}, true
	default:
		return broadcastTarget{}, false
	}
}
