package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/xiaot623/gogo/runner/internal/domain"
)

var bucketRunStates = []byte("run_states")

// BoltRunStateStore implements RunStateStore on a bbolt file.
// bbolt holds an exclusive file lock, so one file serves a single process.
type BoltRunStateStore struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
	log *logrus.Entry
}

var _ RunStateStore = (*BoltRunStateStore)(nil)

// NewBoltRunStateStore opens (or creates) the bbolt file at path.
func NewBoltRunStateStore(path string, opts ...Option) (*BoltRunStateStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("run state db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRunStates)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	o := buildOptions(opts)
	return &BoltRunStateStore{
		db:  db,
		ttl: o.RunStateTTL,
		now: o.Now,
		log: o.Logger.WithField("component", "bolt_store"),
	}, nil
}

func boltKey(kind domain.RunKind, runKey string) []byte {
	return []byte(string(kind) + "/" + runKey)
}

func (s *BoltRunStateStore) Register(ctx context.Context, state *domain.RunState) (*domain.RunState, error) {
	now := s.now()
	out := *state
	if out.Status == "" {
		out.Status = domain.RunStatusRunning
	}
	if out.StartedAt.IsZero() {
		out.StartedAt = now
	}
	if out.Meta == nil {
		out.Meta = domain.RunMeta{}
	}
	out.LastActivityAt = now
	out.ExpiresAt = now.Add(s.ttl)

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunStates).Put(boltKey(out.Kind, out.RunKey), data)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltRunStateStore) Update(ctx context.Context, kind domain.RunKind, runKey string, patch domain.RunPatch) (*domain.RunState, error) {
	var out *domain.RunState
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunStates)
		key := boltKey(kind, runKey)
		state, err := decodeRunState(b.Get(key))
		if err != nil || state == nil {
			return err
		}
		now := s.now()
		if !state.ExpiresAt.After(now) {
			return nil
		}
		applyPatch(state, patch, now, s.ttl)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		out = state
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltRunStateStore) Remove(ctx context.Context, kind domain.RunKind, runKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunStates).Delete(boltKey(kind, runKey))
	})
}

func (s *BoltRunStateStore) Get(ctx context.Context, kind domain.RunKind, runKey string) (*domain.RunState, error) {
	var out *domain.RunState
	err := s.db.View(func(tx *bolt.Tx) error {
		state, err := decodeRunState(tx.Bucket(bucketRunStates).Get(boltKey(kind, runKey)))
		if err != nil {
			return err
		}
		if state != nil && state.ExpiresAt.After(s.now()) {
			out = state
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltRunStateStore) FindStale(ctx context.Context, maxAge time.Duration) ([]domain.RunState, error) {
	cutoff := s.now().Add(-maxAge)
	states, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RunState, 0, len(states))
	for _, state := range states {
		if state.Status == domain.RunStatusRunning && state.LastActivityAt.Before(cutoff) {
			out = append(out, state)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.Before(out[j].LastActivityAt)
	})
	return out, nil
}

func (s *BoltRunStateStore) ListAll(ctx context.Context) ([]domain.RunState, error) {
	now := s.now()
	out := make([]domain.RunState, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunStates).ForEach(func(k, v []byte) error {
			state, err := decodeRunState(v)
			if err != nil {
				s.log.WithError(err).WithField("key", string(k)).Warn("skipping undecodable run state")
				return nil
			}
			if state != nil && state.ExpiresAt.After(now) {
				out = append(out, *state)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (s *BoltRunStateStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunStates)
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			state, err := decodeRunState(v)
			if err != nil || state == nil || !state.ExpiresAt.After(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

func (s *BoltRunStateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeRunState(data []byte) (*domain.RunState, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var state domain.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Meta == nil {
		state.Meta = domain.RunMeta{}
	}
	return &state, nil
}
