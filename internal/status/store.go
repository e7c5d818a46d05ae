// Package status records the lifecycle status of every render task in Redis.
//
// Each task owns two keys under the store's namespace:
//
//	<ns>:status:<taskID>      current status
//	<ns>:start_time:<taskID>  unix seconds of the first IN_PROGRESS write
//
// Writes are last-write-wins. A worker only writes its own task's keys, so
// the one contended key is a task the monitor reclaims while its worker is
// finishing; whichever write lands last stands.
package status

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
)

// DefaultNamespace prefixes every key when none is configured.
const DefaultNamespace = "renderfarm"

// mgetBatch bounds the number of keys per MGET/DEL round trip.
const mgetBatch = 500

// Store is a namespaced task status store.
type Store struct {
	rdb *redis.Client
	ns  string
}

// NewStore returns a store writing under namespace.
func NewStore(rdb *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Store{rdb: rdb, ns: namespace}
}

// Namespace returns the key prefix.
func (s *Store) Namespace() string { return s.ns }

// Key joins parts under the store namespace.
func (s *Store) Key(parts ...string) string {
	return s.ns + ":" + strings.Join(parts, ":")
}

func (s *Store) statusKey(taskID string) string { return s.Key("status", taskID) }
func (s *Store) startKey(taskID string) string  { return s.Key("start_time", taskID) }

// Set writes status for taskID.
func (s *Store) Set(ctx context.Context, taskID string, st models.Status) error {
	if !st.Valid() {
		return errors.Validationf("unknown status %q", st)
	}
	if err := s.rdb.Set(ctx, s.statusKey(taskID), string(st), 0).Err(); err != nil {
		return errors.Wrap(err, "status.set", "write status")
	}
	return nil
}

// MarkInProgress writes IN_PROGRESS and records at as the start time unless
// one is already recorded.
func (s *Store) MarkInProgress(ctx context.Context, taskID string, at time.Time) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.statusKey(taskID), string(models.StatusInProgress), 0)
	pipe.SetNX(ctx, s.startKey(taskID), formatUnix(at), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "status.mark_in_progress", "write status")
	}
	return nil
}

// Get returns the status of taskID.
func (s *Store) Get(ctx context.Context, taskID string) (models.Status, error) {
	v, err := s.rdb.Get(ctx, s.statusKey(taskID)).Result()
	if err == redis.Nil {
		return "", errors.NotFound("task status", taskID)
	}
	if err != nil {
		return "", errors.Wrap(err, "status.get", "read status")
	}
	return models.Status(v), nil
}

// StartTime returns when taskID first went IN_PROGRESS. ok is false when no
// start time was recorded.
func (s *Store) StartTime(ctx context.Context, taskID string) (t time.Time, ok bool, err error) {
	v, err := s.rdb.Get(ctx, s.startKey(taskID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "status.start_time", "read start time")
	}
	t, err = parseUnix(v)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "status.start_time", "parse start time")
	}
	return t, true, nil
}

// All returns the status of every task in the namespace.
func (s *Store) All(ctx context.Context) (map[string]models.Status, error) {
	prefix := s.statusKey("")
	keys, err := s.rdb.Keys(ctx, prefix+"*").Result()
	if err != nil {
		return nil, errors.Wrap(err, "status.all", "list status keys")
	}

	out := make(map[string]models.Status, len(keys))
	for start := 0; start < len(keys); start += mgetBatch {
		end := min(start+mgetBatch, len(keys))
		batch := keys[start:end]

		vals, err := s.rdb.MGet(ctx, batch...).Result()
		if err != nil {
			return nil, errors.Wrap(err, "status.all", "read statuses")
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue // deleted between KEYS and MGET
			}
			out[strings.TrimPrefix(batch[i], prefix)] = models.Status(str)
		}
	}
	return out, nil
}

// Counts tallies All by status. Every known status is present.
func (s *Store) Counts(ctx context.Context) (models.Counts, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return Tally(all), nil
}

// Tally counts statuses.
func Tally(all map[string]models.Status) models.Counts {
	c := models.NewCounts()
	for _, st := range all {
		c[st]++
	}
	return c
}

// HasActive reports whether any task is QUEUED or IN_PROGRESS.
func (s *Store) HasActive(ctx context.Context) (bool, error) {
	all, err := s.All(ctx)
	if err != nil {
		return false, err
	}
	for _, st := range all {
		if st.Active() {
			return true, nil
		}
	}
	return false, nil
}

// InProgress returns every IN_PROGRESS task with its start time. Tasks
// without a recorded start time have a zero StartedAt.
func (s *Store) InProgress(ctx context.Context, all map[string]models.Status) ([]models.Task, error) {
	var ids []string
	for id, st := range all {
		if st == models.StatusInProgress {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]models.Task, 0, len(ids))
	for start := 0; start < len(ids); start += mgetBatch {
		end := min(start+mgetBatch, len(ids))
		batch := ids[start:end]

		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = s.startKey(id)
		}
		vals, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, errors.Wrap(err, "status.in_progress", "read start times")
		}
		for i, id := range batch {
			task := models.Task{ID: id, Status: models.StatusInProgress}
			if str, ok := vals[i].(string); ok {
				if t, err := parseUnix(str); err == nil {
					task.StartedAt = t
				}
			}
			out = append(out, task)
		}
	}
	return out, nil
}

// Purge deletes every key in the namespace and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	keys, err := s.rdb.Keys(ctx, s.ns+":*").Result()
	if err != nil {
		return 0, errors.Wrap(err, "status.purge", "list keys")
	}

	var removed int64
	for start := 0; start < len(keys); start += mgetBatch {
		end := min(start+mgetBatch, len(keys))
		n, err := s.rdb.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return removed, errors.Wrap(err, "status.purge", "delete keys")
		}
		removed += n
	}
	return removed, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "status.ping", "redis unreachable")
	}
	return nil
}

func formatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func parseUnix(v string) (time.Time, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), nil
}
