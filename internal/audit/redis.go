package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tkingovr/isnad/api"
)

const maxTxRetries = 16

// ErrContention is returned when a transition kept losing optimistic
// transactions to concurrent writers.
var ErrContention = errors.New("audit store: too much contention")

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	Retention time.Duration
}

// RedisStore keeps audit records in Redis so they survive restarts and can
// be shared between replicas.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisStoreFromClient(client, opts.Prefix, opts.Retention), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "isnad:"
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}
}

// Client returns the underlying connection for components sharing it.
func (s *RedisStore) Client() *redis.Client { return s.client }

// Prefix returns the key namespace of the store.
func (s *RedisStore) Prefix() string { return s.prefix }

func (s *RedisStore) recordKey(id string) string { return s.prefix + "audit:" + id }
func (s *RedisStore) txKey(hash string) string   { return s.prefix + "tx:" + normalizeTx(hash) }

func (s *RedisStore) Create(ctx context.Context, req *Request) (*Request, error) {
	rec := req.clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.now()
	rec.Status = api.StatusPendingPayment
	rec.Result = nil
	rec.Error = nil
	rec.CreatedAt = now
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.recordKey(rec.ID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("storing audit record: %w", err)
	}
	if !ok {
		return nil, ErrDuplicate
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Request, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading audit record: %w", err)
	}
	return decodeRecord(data)
}

func (s *RedisStore) Transition(ctx context.Context, id string, expected, next api.Status, mutate Mutator) (*Request, error) {
	key := s.recordKey(id)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var out *Request
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			rec, err := decodeRecord(data)
			if err != nil {
				return err
			}
			if err := apply(rec, expected, next, mutate, s.now()); err != nil {
				return err
			}
			updated, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshaling audit record: %w", err)
			}

			var ttl time.Duration
			if next.Terminal() {
				ttl = s.retention
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			out = rec
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrContention
}

func (s *RedisStore) ClaimPayment(ctx context.Context, txHash, id string) error {
	key := s.txKey(txHash)
	ok, err := s.client.SetNX(ctx, key, id, 0).Result()
	if err != nil {
		return fmt.Errorf("claiming payment: %w", err)
	}
	if ok {
		return nil
	}
	owner, err := s.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("claiming payment: %w", err)
	}
	if owner != id {
		return ErrPaymentReused
	}
	return nil
}

func (s *RedisStore) ReleasePayment(ctx context.Context, txHash string) error {
	return s.client.Del(ctx, s.txKey(txHash)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(data []byte) (*Request, error) {
	var rec Request
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding audit record: %w", err)
	}
	return &rec, nil
}
