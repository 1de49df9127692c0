package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/wellmesh/realtime_layer/internal/app/domain/change"
	"github.com/wellmesh/realtime_layer/internal/app/domain/realtime"
	"github.com/wellmesh/realtime_layer/internal/app/storage"
)

// Codec compresses serialized envelopes before they hit the store and
// restores them on the way out.
type Codec interface {
	Compress(v interface{}) ([]byte, error)
	Decompress(data []byte, dst interface{}) error
}

// Store implements the storage interfaces backed by the shared Redis
// instance every engine process points at.
//
// Writes to the per-user lists follow read-modify-write with no transaction
// across the read and the write-back; two processes mutating the same user's
// list can race and lose updates. Sticky session routing makes this rare and
// the engine documents it as a known limitation.
type Store struct {
	client   *goredis.Client
	codec    Codec
	queueCap int64
}

var _ storage.OfflineMessageStore = (*Store)(nil)
var _ storage.ChangeLogStore = (*Store)(nil)
var _ storage.PackageVersionStore = (*Store)(nil)

// New creates a Store using the provided client and envelope codec.
func New(client *goredis.Client, codec Codec) *Store {
	return NewWithQueueCap(client, codec, storage.DefaultQueueCap)
}

// NewWithQueueCap creates a Store keeping at most limit offline messages per
// user.
func NewWithQueueCap(client *goredis.Client, codec Codec, limit int) *Store {
	if limit <= 0 {
		limit = storage.DefaultQueueCap
	}
	return &Store{client: client, codec: codec, queueCap: int64(limit)}
}

// Ping verifies connectivity to the backing instance.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func messagesKey(userID string) string { return "offline:messages:" + userID }
func changesKey(userID string) string  { return "offline:changes:" + userID }
func versionKey(userID, resourceID string) string {
	return "offline:version:" + userID + ":" + resourceID
}

// changeUsersKey indexes users that currently hold a change list so the
// maintenance sweep can find them without scanning the keyspace.
const changeUsersKey = "offline:changes:index"

// OfflineMessageStore implementation ------------------------------------------

func (s *Store) PushMessages(ctx context.Context, userID string, msgs []realtime.Queued) error {
	if len(msgs) == 0 {
		return nil
	}

	entries := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		data, err := s.codec.Compress(m.Body)
		if err != nil {
			return fmt.Errorf("compress offline message: %w", err)
		}
		entries = append(entries, data)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, messagesKey(userID), entries...)
	pipe.LTrim(ctx, messagesKey(userID), -s.queueCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push offline messages: %w", err)
	}
	return nil
}

func (s *Store) DrainMessages(ctx context.Context, userID string) ([]realtime.Queued, error) {
	key := messagesKey(userID)

	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read offline messages: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("clear offline messages: %w", err)
	}

	msgs := make([]realtime.Queued, 0, len(raw))
	for _, entry := range raw {
		var body map[string]interface{}
		if err := s.codec.Decompress([]byte(entry), &body); err != nil {
			// Entries are advisory notifications; a corrupt one is dropped
			// rather than blocking the rest of the backlog.
			continue
		}
		msgs = append(msgs, realtime.FromEnvelope(body))
	}
	return msgs, nil
}

func (s *Store) QueueLength(ctx context.Context, userID string) (int, error) {
	n, err := s.client.LLen(ctx, messagesKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("offline queue length: %w", err)
	}
	return int(n), nil
}

// ChangeLogStore implementation ------------------------------------------------

func (s *Store) AppendChanges(ctx context.Context, userID string, records []change.Record) error {
	if len(records) == 0 {
		return nil
	}

	entries := make([]interface{}, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode change record: %w", err)
		}
		entries = append(entries, data)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, changesKey(userID), entries...)
	pipe.Expire(ctx, changesKey(userID), storage.ChangeListTTL)
	pipe.SAdd(ctx, changeUsersKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append changes: %w", err)
	}
	return nil
}

func (s *Store) ListChanges(ctx context.Context, userID string) ([]change.Record, error) {
	raw, err := s.client.LRange(ctx, changesKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}

	records := make([]change.Record, 0, len(raw))
	for _, entry := range raw {
		var r change.Record
		if err := json.Unmarshal([]byte(entry), &r); err != nil {
			return nil, fmt.Errorf("decode change record: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *Store) ReplaceChanges(ctx context.Context, userID string, records []change.Record) error {
	if len(records) == 0 {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, changesKey(userID))
		pipe.SRem(ctx, changeUsersKey, userID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("clear changes: %w", err)
		}
		return nil
	}

	entries := make([]interface{}, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode change record: %w", err)
		}
		entries = append(entries, data)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, changesKey(userID))
	pipe.RPush(ctx, changesKey(userID), entries...)
	pipe.Expire(ctx, changesKey(userID), storage.ChangeListTTL)
	pipe.SAdd(ctx, changeUsersKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace changes: %w", err)
	}
	return nil
}

func (s *Store) ChangeUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, changeUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list change users: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	// Lists expire under their TTL without touching the index; drop stale
	// members as they are discovered.
	pipe := s.client.Pipeline()
	exists := make([]*goredis.IntCmd, len(users))
	for i, userID := range users {
		exists[i] = pipe.Exists(ctx, changesKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check change lists: %w", err)
	}

	live := users[:0]
	var stale []interface{}
	for i, userID := range users {
		if exists[i].Val() > 0 {
			live = append(live, userID)
		} else {
			stale = append(stale, userID)
		}
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, changeUsersKey, stale...).Err()
	}
	return live, nil
}

// PackageVersionStore implementation -------------------------------------------

func (s *Store) SetPackageVersion(ctx context.Context, userID, resourceID string, v change.PackageVersion) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode package version: %w", err)
	}
	if err := s.client.Set(ctx, versionKey(userID, resourceID), data, storage.PackageVersionTTL).Err(); err != nil {
		return fmt.Errorf("set package version: %w", err)
	}
	return nil
}

func (s *Store) GetPackageVersion(ctx context.Context, userID, resourceID string) (change.PackageVersion, bool, error) {
	data, err := s.client.Get(ctx, versionKey(userID, resourceID)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return change.PackageVersion{}, false, nil
		}
		return change.PackageVersion{}, false, fmt.Errorf("get package version: %w", err)
	}

	var v change.PackageVersion
	if err := json.Unmarshal(data, &v); err != nil {
		return change.PackageVersion{}, false, fmt.Errorf("decode package version: %w", err)
	}
	return v, true, nil
}
