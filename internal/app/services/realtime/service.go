package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wellmesh/realtime_layer/internal/app/core/service"
	"github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
	"github.com/wellmesh/realtime_layer/internal/app/metrics"
	"github.com/wellmesh/realtime_layer/internal/app/storage"
	"github.com/wellmesh/realtime_layer/pkg/logger"
)

// Service coordinates connections, rooms, fan-out and batched delivery for
// one engine process.
type Service struct {
	registry *ConnectionRegistry
	rooms    *RoomRegistry
	batcher  *MessageBatcher
	fanout   *Fanout
	offline  storage.OfflineMessageStore
	log      *logger.Logger
}

// New constructs the realtime service from its injected collaborators.
func New(registry *ConnectionRegistry, rooms *RoomRegistry, batcher *MessageBatcher, fanout *Fanout, offline storage.OfflineMessageStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("realtime")
	}
	return &Service{
		registry: registry,
		rooms:    rooms,
		batcher:  batcher,
		fanout:   fanout,
		offline:  offline,
		log:      log,
	}
}

// Connect binds a sender to the user and feeds their offline backlog into
// the delivery pipeline. An existing connection for the same user is closed
// and replaced.
func (s *Service) Connect(ctx context.Context, userID string, sender Sender, meta map[string]string) (realtime.Connection, error) {
	userID, err := cleanIdentifier("user_id", userID)
	if err != nil {
		return realtime.Connection{}, err
	}
	if sender == nil {
		return realtime.Connection{}, fmt.Errorf("sender is required")
	}

	conn, replaced := s.registry.Connect(userID, sender, meta)
	if replaced != nil {
		_ = replaced.Close()
		s.log.WithField("user_id", userID).Info("existing connection replaced")
	}

	backlog, err := s.offline.DrainMessages(ctx, userID)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("offline backlog drain failed")
	}
	for _, msg := range backlog {
		s.batcher.Enqueue(userID, msg)
	}
	metrics.RecordOfflineDrained(len(backlog))

	s.log.WithField("user_id", userID).
		WithField("connection_id", conn.ConnectionID).
		WithField("backlog", len(backlog)).
		Info("user connected")
	return conn, nil
}

// Disconnect closes the user's connection, removes them from every room and
// announces their departure to each affected room. Disconnecting a user with
// no connection is a no-op.
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	userID, err := cleanIdentifier("user_id", userID)
	if err != nil {
		return err
	}

	sender, had := s.registry.Disconnect(userID)
	if had {
		_ = sender.Close()
	}

	affected := s.rooms.LeaveAll(userID)
	for _, key := range affected {
		s.announceMembership(ctx, key, userID, realtime.TypeUserLeft)
	}

	if had || len(affected) > 0 {
		s.log.WithField("user_id", userID).
			WithField("rooms_left", len(affected)).
			Info("user disconnected")
	}
	return nil
}

// DisconnectConnection tears the user down only while connectionID is still
// the bound connection. Transports call it when their socket dies; if the
// user already reconnected the stale teardown is a no-op and the new
// connection keeps its rooms.
func (s *Service) DisconnectConnection(ctx context.Context, userID, connectionID string) (bool, error) {
	userID, err := cleanIdentifier("user_id", userID)
	if err != nil {
		return false, err
	}

	sender, had := s.registry.DisconnectConn(userID, connectionID)
	if !had {
		return false, nil
	}
	_ = sender.Close()

	affected := s.rooms.LeaveAll(userID)
	for _, key := range affected {
		s.announceMembership(ctx, key, userID, realtime.TypeUserLeft)
	}

	s.log.WithField("user_id", userID).
		WithField("connection_id", connectionID).
		WithField("rooms_left", len(affected)).
		Info("user disconnected")
	return true, nil
}

// JoinRoom adds the user to a room, creating it on first join. It reports
// whether the membership changed; re-joining is a no-op.
func (s *Service) JoinRoom(ctx context.Context, roomType, roomID, userID string) (bool, error) {
	key, err := s.roomKey(roomType, roomID)
	if err != nil {
		return false, err
	}
	userID, err = cleanIdentifier("user_id", userID)
	if err != nil {
		return false, err
	}

	added := s.rooms.Join(key, userID)
	if added {
		s.announceMembership(ctx, key, userID, realtime.TypeUserJoined)
		s.log.WithField("user_id", userID).WithField("room", key.String()).Info("user joined room")
	}
	return added, nil
}

// LeaveRoom removes the user from a room, deleting it when it empties. It
// reports whether the membership changed; leaving a room the user is not in
// is a no-op.
func (s *Service) LeaveRoom(ctx context.Context, roomType, roomID, userID string) (bool, error) {
	key, err := s.roomKey(roomType, roomID)
	if err != nil {
		return false, err
	}
	userID, err = cleanIdentifier("user_id", userID)
	if err != nil {
		return false, err
	}

	removed := s.rooms.Leave(key, userID)
	if removed {
		s.announceMembership(ctx, key, userID, realtime.TypeUserLeft)
		s.log.WithField("user_id", userID).WithField("room", key.String()).Info("user left room")
	}
	return removed, nil
}

// RoomMembers returns a room's members in join order.
func (s *Service) RoomMembers(roomType, roomID string) ([]string, error) {
	key, err := s.roomKey(roomType, roomID)
	if err != nil {
		return nil, err
	}
	return s.rooms.Members(key), nil
}

// SendUserNotification publishes a notification addressed to one user. When
// the user has no connection on this process a copy is parked in their
// offline queue; a user connected elsewhere may therefore see the same
// message twice.
func (s *Service) SendUserNotification(ctx context.Context, userID, msgType string, payload map[string]interface{}) (realtime.Queued, error) {
	userID, err := cleanIdentifier("user_id", userID)
	if err != nil {
		return realtime.Queued{}, err
	}
	msgType = strings.TrimSpace(msgType)
	if msgType == "" {
		return realtime.Queued{}, fmt.Errorf("type is required")
	}

	msg := realtime.NewQueued(msgType, payload)
	if err := s.fanout.PublishUser(ctx, userID, msg); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("user broadcast failed; queueing offline")
		if perr := s.offline.PushMessages(ctx, userID, []realtime.Queued{msg}); perr != nil {
			return realtime.Queued{}, perr
		}
		metrics.RecordOfflineQueued("publish_failed", 1)
		return msg, nil
	}

	if !s.registry.IsConnected(userID) {
		if err := s.offline.PushMessages(ctx, userID, []realtime.Queued{msg}); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("offline fallback failed")
		} else {
			metrics.RecordOfflineQueued("fallback", 1)
		}
	}
	return msg, nil
}

// SendRoomNotification publishes a notification to a room. With system set
// it goes out on the room's system channel instead of the main one.
func (s *Service) SendRoomNotification(ctx context.Context, roomType, roomID, msgType string, payload map[string]interface{}, system bool) (realtime.Queued, error) {
	key, err := s.roomKey(roomType, roomID)
	if err != nil {
		return realtime.Queued{}, err
	}
	msgType = strings.TrimSpace(msgType)
	if msgType == "" {
		return realtime.Queued{}, fmt.Errorf("type is required")
	}

	msg := realtime.NewQueued(msgType, payload)
	if system {
		err = s.fanout.PublishRoomSystem(ctx, key, msg)
	} else {
		err = s.fanout.PublishRoom(ctx, key, msg)
	}
	if err != nil {
		return realtime.Queued{}, err
	}
	return msg, nil
}

// Touch refreshes the user's last-activity timestamp.
func (s *Service) Touch(userID string) {
	s.registry.Touch(userID)
}

// IsConnected reports whether the user has a connection on this process.
func (s *Service) IsConnected(userID string) bool {
	return s.registry.IsConnected(userID)
}

// Connection returns the user's connection record on this process.
func (s *Service) Connection(userID string) (realtime.Connection, bool) {
	return s.registry.Connection(userID)
}

// FlushAll runs one delivery pass over every user with queued messages.
// Users without a local connection have their entire outbox handed to the
// offline store; connected users receive at most one batch.
func (s *Service) FlushAll(ctx context.Context) {
	for _, userID := range s.batcher.PendingUsers() {
		s.flushUser(ctx, userID)
	}
}

// SpillAll moves every queued message to the offline store regardless of
// connection state. Runs during shutdown so undelivered messages survive the
// process.
func (s *Service) SpillAll(ctx context.Context) {
	for _, userID := range s.batcher.PendingUsers() {
		s.spillUser(ctx, userID, "shutdown")
	}
}

func (s *Service) flushUser(ctx context.Context, userID string) {
	sender, connected := s.registry.Sender(userID)
	if !connected {
		s.spillUser(ctx, userID, "disconnected")
		return
	}

	batch := s.batcher.PeekBatch(userID)
	if len(batch) == 0 {
		return
	}

	payload := batch[0].Body
	mode := "single"
	if len(batch) > 1 {
		payload = realtime.Batch(batch)
		mode = "batch"
	}

	if err := sender.Send(ctx, payload); err != nil {
		metrics.RecordDeliveryFailure()
		s.log.WithError(err).
			WithField("user_id", userID).
			WithField("batch", len(batch)).
			Warn("delivery failed; batch kept for retry")
		return
	}
	s.batcher.CommitBatch(userID, len(batch))
	metrics.RecordDelivery(mode, len(batch))
}

func (s *Service) spillUser(ctx context.Context, userID, reason string) {
	msgs := s.batcher.TakeAll(userID)
	if len(msgs) == 0 {
		return
	}
	if err := s.offline.PushMessages(ctx, userID, msgs); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("offline handoff failed; messages requeued")
		s.batcher.Requeue(userID, msgs)
		return
	}
	metrics.RecordOfflineQueued(reason, len(msgs))
}

// handleBroadcast routes one received broadcast into local outboxes. User
// messages are enqueued only when the user is connected here; room messages
// are enqueued for every local member.
func (s *Service) handleBroadcast(channel string, payload []byte) {
	target, ok := parseChannel(channel)
	if !ok {
		s.log.WithField("channel", channel).Debug("ignoring unrecognized channel")
		return
	}

	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		s.log.WithError(err).WithField("channel", channel).Warn("dropping undecodable broadcast")
		return
	}
	msg := realtime.FromEnvelope(body)

	if target.user != "" {
		if s.registry.IsConnected(target.user) {
			s.batcher.Enqueue(target.user, msg)
		}
		return
	}
	for _, member := range s.rooms.Members(target.room) {
		s.batcher.Enqueue(member, msg)
	}
}

func (s *Service) announceMembership(ctx context.Context, key realtime.RoomKey, userID, msgType string) {
	payload := map[string]interface{}{
		"userId":   userID,
		"roomType": key.Type,
		"roomId":   key.ID,
	}
	msg := realtime.NewQueued(msgType, payload)
	if err := s.fanout.PublishRoomSystem(ctx, key, msg); err != nil {
		s.log.WithError(err).WithField("room", key.String()).Warn("membership advisory publish failed")
	}
}

func (s *Service) roomKey(roomType, roomID string) (realtime.RoomKey, error) {
	roomType, err := cleanIdentifier("room_type", roomType)
	if err != nil {
		return realtime.RoomKey{}, err
	}
	roomID, err = cleanIdentifier("room_id", roomID)
	if err != nil {
		return realtime.RoomKey{}, err
	}
	return realtime.RoomKey{Type: roomType, ID: roomID}, nil
}

func cleanIdentifier(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	if strings.Contains(value, ":") {
		return "", fmt.Errorf("%s must not contain ':'", field)
	}
	return value, nil
}

// Stats is a point-in-time snapshot of the realtime plane.
type Stats struct {
	Connections     int `json:"connections"`
	Rooms           int `json:"rooms"`
	PendingMessages int `json:"pendingMessages"`
}

// Snapshot reports current connection, room and outbox volumes.
func (s *Service) Snapshot() Stats {
	return Stats{
		Connections:     s.registry.Count(),
		Rooms:           s.rooms.Count(),
		PendingMessages: s.batcher.TotalPending(),
	}
}

// Describe advertises this component on the status surface.
func (s *Service) Describe() service.Descriptor {
	return service.Descriptor{
		Name:         "realtime",
		Domain:       "delivery",
		Layer:        service.LayerEngine,
		Capabilities: []string{"connections", "rooms", "notifications", "batched-delivery", "fanout"},
	}
}
