// Package redis implements the State Store on Redis. Records are JSON
// documents, the active slot is a single key holding the active run_id and
// every read-modify-write runs in a WATCH/MULTI transaction.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "scrapectl"
	maxTxRetries  = 64
)

type Store struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		rdb:    rdb,
		prefix: prefix,
		now:    store.Now,
	}
}

// Open connects to url, eg. "redis://:password@localhost:6379/0".
func Open(ctx context.Context, url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, model.Unavailable(fmt.Errorf("connecting to redis: %w", err))
	}
	return New(rdb, DefaultPrefix), nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) runKey(id string) string {
	return s.prefix + ":run:" + id
}

func (s *Store) activeKey() string {
	return s.prefix + ":active"
}

func (s *Store) indexKey() string {
	return s.prefix + ":runs"
}

func (s *Store) resultsKey(id string) string {
	return s.prefix + ":results:" + id
}

func (s *Store) Create(ctx context.Context, rec model.RunRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling run record: %w", err)
	}
	active := rec.Status.Active()

	return s.watch(ctx, func(tx *redis.Tx) error {
		if active {
			id, err := tx.Get(ctx, s.activeKey()).Result()
			switch {
			case err == nil && id != "":
				return fmt.Errorf("creating run_id %s: %w", rec.ID, store.ErrActiveExists)
			case err != nil && !errors.Is(err, redis.Nil):
				return err
			}
		}
		n, err := tx.Exists(ctx, s.runKey(rec.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("creating run_id %s: %w", rec.ID, store.ErrActiveExists)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.runKey(rec.ID), doc, 0)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.StartedAt.UnixMilli()), Member: rec.ID})
			if active {
				pipe.Set(ctx, s.activeKey(), rec.ID, 0)
			}
			return nil
		})
		return err
	}, s.activeKey(), s.runKey(rec.ID))
}

func (s *Store) Update(ctx context.Context, runID string, p store.Patch) (model.RunRecord, error) {
	var out model.RunRecord
	err := s.watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.get(ctx, tx, runID)
		if err != nil {
			return err
		}
		rec, err = store.Apply(rec, p, s.now())
		if err != nil {
			return err
		}
		doc, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling run record: %w", err)
		}
		activeID, err := tx.Get(ctx, s.activeKey()).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.runKey(runID), doc, 0)
			if !rec.Status.Active() && activeID == runID {
				pipe.Del(ctx, s.activeKey())
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}, s.runKey(runID), s.activeKey())
	if err != nil {
		return model.RunRecord{}, err
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, runID string) (model.RunRecord, error) {
	rec, err := s.get(ctx, s.rdb, runID)
	return rec, classify(err)
}

func (s *Store) GetActive(ctx context.Context) (model.RunRecord, error) {
	id, err := s.rdb.Get(ctx, s.activeKey()).Result()
	switch {
	case errors.Is(err, redis.Nil) || (err == nil && id == ""):
		return model.RunRecord{}, store.ErrNotFound
	case err != nil:
		return model.RunRecord{}, classify(err)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return model.RunRecord{}, err
	}
	if !rec.Status.Active() {
		return model.RunRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]model.RunRecord, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, int64(store.Limit(limit)-1)).Result()
	if err != nil {
		return nil, classify(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.runKey(id))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classify(err)
	}
	recs := make([]model.RunRecord, 0, len(vals))
	for i, v := range vals {
		doc, ok := v.(string)
		if !ok {
			continue
		}
		var rec model.RunRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decoding run_id %s: %w", ids[i], err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) AppendResult(ctx context.Context, r model.Result) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	return classify(s.rdb.RPush(ctx, s.resultsKey(r.RunID), doc).Err())
}

func (s *Store) Results(ctx context.Context, runID string, limit int) ([]model.Result, error) {
	limit = store.Limit(limit)
	docs, err := s.rdb.LRange(ctx, s.resultsKey(runID), int64(-limit), -1).Result()
	if err != nil {
		return nil, classify(err)
	}
	slices.Reverse(docs)
	results := make([]model.Result, 0, len(docs))
	for _, doc := range docs {
		var r model.Result
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("decoding result of run_id %s: %w", runID, err)
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *Store) get(ctx context.Context, c getter, runID string) (model.RunRecord, error) {
	b, err := c.Get(ctx, s.runKey(runID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return model.RunRecord{}, store.ErrNotFound
	case err != nil:
		return model.RunRecord{}, err
	}
	var rec model.RunRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return model.RunRecord{}, fmt.Errorf("decoding run_id %s: %w", runID, err)
	}
	return rec, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// watch runs fn in an optimistic transaction and retries while a watched key
// changes under it.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return classify(err)
	}
	return model.Unavailable(fmt.Errorf("redis transaction on %v retried %d times", keys, maxTxRetries))
}

func classify(err error) error {
	switch {
	case err == nil,
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrActiveExists),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, model.ErrInvalidTransition):
		return err
	}
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return err
	}
	return model.Unavailable(err)
}
