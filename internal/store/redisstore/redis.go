// Package redisstore is a domain.SignalStore on Redis. A call record is a
// hash, writes are merged by a Lua script that also publishes a change
// notification, and candidates are appended to a stream.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"peercall/native/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config controls the redis client. Zero values take conservative defaults.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration

	// BlockInterval bounds each XREAD BLOCK so candidate readers notice
	// unsubscribe promptly.
	BlockInterval time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.KeyPrefix == "" {
		out.KeyPrefix = "peercall"
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	if out.BlockInterval <= 0 {
		out.BlockInterval = 500 * time.Millisecond
	}
	return out
}

// Open connects to Redis and validates connectivity via PING.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w: %w", domain.ErrStoreUnavailable, err)
	}

	s := New(rdb, cfg, log)
	s.owned = true
	return s, nil
}

// Store implements domain.SignalStore.
type Store struct {
	rdb   *redis.Client
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
	owned bool

	wg sync.WaitGroup
}

// New wraps an existing client. Close does not close it.
func New(rdb *redis.Client, cfg Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		rdb: rdb,
		cfg: cfg.withDefaults(),
		log: log.Named("store.redis"),
		now: time.Now,
	}
}

// Close waits for subscription goroutines that were already unsubscribed
// and closes the client if Open created it.
func (s *Store) Close() error {
	s.wg.Wait()
	if s.owned {
		return s.rdb.Close()
	}
	return nil
}

func (s *Store) recordKey(callID string) string {
	return s.cfg.KeyPrefix + ":call:" + callID
}

func (s *Store) channel(callID string) string {
	return s.cfg.KeyPrefix + ":call:" + callID + ":updates"
}

func (s *Store) streamKey(callID string) string {
	return s.cfg.KeyPrefix + ":call:" + callID + ":" + domain.CandidatesCollection
}

func (s *Store) idsKey(callID string) string {
	return s.cfg.KeyPrefix + ":call:" + callID + ":" + domain.CandidatesCollection + ":ids"
}

func unavailable(op, callID string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, callID, domain.ErrStoreUnavailable, err)
}

var mergeScript = redis.NewScript(`
-- KEYS[1] = record hash, KEYS[2] = update channel
-- ARGV[1] = call id, ARGV[2] = now (unix ms), ARGV[3] = "1" to drop the answer,
-- ARGV[4..] = field/value pairs
--
-- updated_at never goes backwards, even across writers with skewed clocks.
local now = tonumber(ARGV[2])
local prev = tonumber(redis.call('HGET', KEYS[1], 'updated_at') or '0')
if now <= prev then
  now = prev + 1
end
if ARGV[3] == '1' then
  redis.call('HDEL', KEYS[1], 'answer_type', 'answer_sdp')
end
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'updated_at', tostring(now))
redis.call('PUBLISH', KEYS[2], ARGV[1])
return now
`)

var appendScript = redis.NewScript(`
-- KEYS[1] = candidate stream, KEYS[2] = candidate id set
-- ARGV[1] = candidate id, ARGV[2] = encoded candidate record
--
-- Returns the stream entry id, or false if the id was already appended.
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return false
end
return redis.call('XADD', KEYS[1], '*', 'id', ARGV[1], 'data', ARGV[2])
`)

func (s *Store) Upsert(ctx context.Context, callID string, update domain.CallUpdate) error {
	if update.Empty() {
		return nil
	}

	dropAnswer := "0"
	if update.ClearAnswer {
		dropAnswer = "1"
	}
	args := []any{callID, s.now().UnixMilli(), dropAnswer}
	if update.Offer != nil {
		args = append(args, "offer_type", update.Offer.Type, "offer_sdp", update.Offer.SDP)
	}
	if update.Answer != nil {
		args = append(args, "answer_type", update.Answer.Type, "answer_sdp", update.Answer.SDP)
	}
	if update.Status != "" {
		args = append(args, "status", string(update.Status))
	}

	keys := []string{s.recordKey(callID), s.channel(callID)}
	if err := mergeScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return unavailable("upsert", callID, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, callID string) (*domain.CallRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.recordKey(callID)).Result()
	if err != nil {
		return nil, unavailable("read", callID, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return decodeRecord(callID, fields), nil
}

func decodeRecord(callID string, fields map[string]string) *domain.CallRecord {
	rec := &domain.CallRecord{ID: callID, Status: domain.CallStatus(fields["status"])}
	if sdp, ok := fields["offer_sdp"]; ok {
		rec.Offer = &domain.SessionDescription{Type: fields["offer_type"], SDP: sdp}
	}
	if sdp, ok := fields["answer_sdp"]; ok {
		rec.Answer = &domain.SessionDescription{Type: fields["answer_type"], SDP: sdp}
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms)
	}
	return rec
}

// Subscribe listens on the record's update channel and re-reads the hash on
// every notification, so each delivery is the latest snapshot.
func (s *Store) Subscribe(ctx context.Context, callID string, onChange func(domain.CallRecord)) (domain.Unsubscribe, error) {
	ps := s.rdb.Subscribe(ctx, s.channel(callID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("subscribe", callID, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	log := s.log.With(zap.String("callId", callID))

	deliver := func() {
		rec, err := s.Read(subCtx, callID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			if subCtx.Err() == nil {
				log.Warn("re-read after notification failed", zap.Error(err))
			}
		default:
			onChange(*rec)
		}
	}

	msgs := ps.Channel()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		deliver()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				if subCtx.Err() != nil {
					return
				}
				deliver()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
		})
	}, nil
}

func (s *Store) AppendCandidate(ctx context.Context, callID string, rec domain.CandidateRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}

	keys := []string{s.streamKey(callID), s.idsKey(callID)}
	err = appendScript.Run(ctx, s.rdb, keys, rec.ID, string(data)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("append candidate", callID, err)
	}
	return nil
}

// SubscribeCandidates reads the stream from its first entry, so candidates
// appended before the subscription are delivered too.
func (s *Store) SubscribeCandidates(ctx context.Context, callID string, onAdd func(domain.CandidateRecord)) (domain.Unsubscribe, error) {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return nil, unavailable("subscribe candidates", callID, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	stream := s.streamKey(callID)
	log := s.log.With(zap.String("callId", callID))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		lastID := "0"
		for subCtx.Err() == nil {
			res, err := s.rdb.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Block:   s.cfg.BlockInterval,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				log.Warn("candidate stream read failed", zap.Error(err))
				select {
				case <-subCtx.Done():
					return
				case <-time.After(s.cfg.BlockInterval):
				}
				continue
			}
			for _, st := range res {
				for _, msg := range st.Messages {
					lastID = msg.ID
					data, _ := msg.Values["data"].(string)
					var rec domain.CandidateRecord
					if err := json.Unmarshal([]byte(data), &rec); err != nil {
						log.Warn("dropping malformed candidate entry", zap.String("entry", msg.ID), zap.Error(err))
						continue
					}
					if subCtx.Err() != nil {
						return
					}
					onAdd(rec)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *Store) Delete(ctx context.Context, callID string) error {
	err := s.rdb.Del(ctx, s.recordKey(callID), s.streamKey(callID), s.idsKey(callID)).Err()
	if err != nil {
		return unavailable("delete", callID, err)
	}
	return nil
}
