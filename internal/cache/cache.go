// Package cache puts a Redis read-through cache in front of row lookups.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"blocksuite-view/server/internal/log"
	"blocksuite-view/server/internal/storage"
)

const (
	keyPrefix = "bsv:row:"
	genPrefix = "bsv:gen:"
)

// Store wraps a storage.Store and caches GetRow results in Redis. Writes go
// to the wrapped store first and then drop the cached entry. Redis failures
// never fail a request; they fall back to the wrapped store.
type Store struct {
	storage.Store
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// New returns a caching Store. A ttl of zero keeps entries until invalidated.
func New(inner storage.Store, client *redis.Client, ttl time.Duration) *Store {
	return &Store{Store: inner, client: client, ttl: ttl}
}

// Dial connects to Redis and verifies the connection with a ping.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func rowKey(table string, id int64) string {
	return keyPrefix + table + ":" + strconv.FormatInt(id, 10)
}

// genKey holds a counter bumped on every invalidation of the row. A fill only
// lands if the counter did not move while the row was loaded.
func genKey(table string, id int64) string {
	return genPrefix + table + ":" + strconv.FormatInt(id, 10)
}

func (s *Store) GetRow(ctx context.Context, table string, id int64) (storage.Row, error) {
	key := rowKey(table, id)
	logger := log.WithComponentFromContext(ctx, "cache")

	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var row storage.Row
		if jsonErr := json.Unmarshal(data, &row); jsonErr == nil {
			return row, nil
		}
		logger.Warn().Str("key", key).Msg("dropping undecodable cache entry")
		_ = s.client.Del(ctx, key).Err()
	case !errors.Is(err, redis.Nil):
		logger.Warn().Err(err).Str("key", key).Msg("redis get failed")
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		gen, genErr := s.generation(ctx, table, id)
		row, err := s.Store.GetRow(ctx, table, id)
		if err != nil {
			return storage.Row{}, err
		}
		if genErr != nil {
			logger.Warn().Err(genErr).Str("key", key).Msg("redis generation read failed")
			return row, nil
		}
		if err := s.fill(ctx, table, id, gen, row); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("redis set failed")
		}
		return row, nil
	})
	if err != nil {
		return storage.Row{}, err
	}
	return v.(storage.Row), nil
}

func (s *Store) generation(ctx context.Context, table string, id int64) (int64, error) {
	gen, err := s.client.Get(ctx, genKey(table, id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// fill stores row unless the row was invalidated after gen was read.
func (s *Store) fill(ctx context.Context, table string, id int64, gen int64, row storage.Row) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(row); err != nil {
		return err
	}
	encoded := buf.Bytes()
	gk := genKey(table, id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, gk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rowKey(table, id), encoded, s.ttl)
			return nil
		})
		return err
	}, gk)
	if errors.Is(err, redis.TxFailedErr) {
		// Invalidated while filling.
		return nil
	}
	return err
}

func (s *Store) UpdateRow(ctx context.Context, table string, id int64, values map[string]json.RawMessage) error {
	if err := s.Store.UpdateRow(ctx, table, id, values); err != nil {
		return err
	}
	s.invalidate(ctx, table, id)
	return nil
}

// EnsureTable can change field types, so every cached row of that table is
// dropped.
func (s *Store) EnsureTable(ctx context.Context, table storage.Table) error {
	if err := s.Store.EnsureTable(ctx, table); err != nil {
		return err
	}
	iter := s.client.Scan(ctx, 0, keyPrefix+table.Name+":*", 100).Iterator()
	for iter.Next(ctx) {
		_ = s.client.Del(ctx, iter.Val()).Err()
	}
	if err := iter.Err(); err != nil {
		logger := log.WithComponentFromContext(ctx, "cache")
		logger.Warn().Err(err).Str(log.FieldTable, table.Name).Msg("redis scan failed")
	}
	return nil
}

// invalidate bumps the row generation before dropping the entry, so a fill
// that loaded the old row cannot write it back.
func (s *Store) invalidate(ctx context.Context, table string, id int64) {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(table, id))
		pipe.Del(ctx, rowKey(table, id))
		return nil
	})
	if err != nil {
		logger := log.WithComponentFromContext(ctx, "cache")
		logger.Warn().Err(err).
			Str(log.FieldTable, table).Int64(log.FieldRowID, id).
			Msg("redis invalidate failed")
	}
}

func (s *Store) Close() error {
	err := s.Store.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}
