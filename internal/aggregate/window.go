package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"xray-guard/internal/client"
	"xray-guard/internal/model"

	"github.com/sirupsen/logrus"
)

// ErrOrderViolation reports an append whose bucket does not advance the
// window. Sealed buckets for one key must arrive strictly ordered, so a
// violation means the sealing stage upstream is broken.
var ErrOrderViolation = errors.New("bucket append out of order")

type window struct {
	mu      sync.RWMutex
	buckets []*model.Bucket
	dropped bool
}

// WindowStore keeps the sealed bucket history for every key ordered by
// bucket start and discards buckets older than the retention horizon.
type WindowStore struct {
	mu        sync.RWMutex
	windows   map[model.BucketKey]*window
	retention time.Duration
	metrics   *client.PrometheusMetrics
	logger    *logrus.Logger
}

// NewWindowStore creates a store that retains sealed buckets for retention
func NewWindowStore(retention time.Duration, metrics *client.PrometheusMetrics, logger *logrus.Logger) *WindowStore {
	return &WindowStore{
		windows:   make(map[model.BucketKey]*window),
		retention: retention,
		metrics:   metrics,
		logger:    logger,
	}
}

// Retention returns the configured retention horizon
func (s *WindowStore) Retention() time.Duration {
	return s.retention
}

func (s *WindowStore) windowFor(key model.BucketKey) *window {
	s.mu.RLock()
	w := s.windows[key]
	s.mu.RUnlock()
	if w != nil {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.windows[key]; w != nil {
		return w
	}
	w = &window{}
	s.windows[key] = w
	return w
}

// Append adds a sealed bucket to its key's window. The bucket start must be
// strictly greater than the last appended start for the key.
func (s *WindowStore) Append(bucket *model.Bucket) error {
	for {
		w := s.windowFor(bucket.Key)
		w.mu.Lock()
		if w.dropped {
			// eviction removed the window between lookup and lock
			w.mu.Unlock()
			continue
		}
		if n := len(w.buckets); n > 0 && !bucket.BucketStart.After(w.buckets[n-1].BucketStart) {
			last := w.buckets[n-1].BucketStart
			w.mu.Unlock()
			s.metrics.RecordOrderViolation()
			return fmt.Errorf("%w: key %s bucket %s does not advance past %s",
				ErrOrderViolation, bucket.Key, bucket.BucketStart.Format(time.RFC3339), last.Format(time.RFC3339))
		}
		w.buckets = append(w.buckets, bucket)
		w.mu.Unlock()
		return nil
	}
}

// Query returns the sealed buckets for key whose start falls inside
// [now-lookback, now], in ascending bucket start order. The returned slice
// is a copy and stays valid across concurrent appends and evictions.
func (s *WindowStore) Query(key model.BucketKey, lookback time.Duration, now time.Time) []*model.Bucket {
	s.mu.RLock()
	w := s.windows[key]
	s.mu.RUnlock()
	if w == nil {
		return nil
	}

	from := now.Add(-lookback)
	w.mu.RLock()
	defer w.mu.RUnlock()

	lo := sort.Search(len(w.buckets), func(i int) bool {
		return !w.buckets[i].BucketStart.Before(from)
	})
	hi := sort.Search(len(w.buckets), func(i int) bool {
		return w.buckets[i].BucketStart.After(now)
	})
	if lo >= hi {
		return nil
	}

	out := make([]*model.Bucket, hi-lo)
	copy(out, w.buckets[lo:hi])
	return out
}

// EvictExpired drops every bucket with a start older than now minus the
// retention horizon and removes keys whose windows become empty. Appends and
// queries only contend on the individual window being trimmed.
func (s *WindowStore) EvictExpired(now time.Time) int {
	horizon := now.Add(-s.retention)

	s.mu.RLock()
	candidates := make(map[model.BucketKey]*window, len(s.windows))
	for key, w := range s.windows {
		candidates[key] = w
	}
	s.mu.RUnlock()

	evicted := 0
	var emptyKeys []model.BucketKey
	for key, w := range candidates {
		w.mu.Lock()
		idx := sort.Search(len(w.buckets), func(i int) bool {
			return !w.buckets[i].BucketStart.Before(horizon)
		})
		if idx > 0 {
			remaining := make([]*model.Bucket, len(w.buckets)-idx)
			copy(remaining, w.buckets[idx:])
			w.buckets = remaining
			evicted += idx
		}
		if len(w.buckets) == 0 {
			emptyKeys = append(emptyKeys, key)
		}
		w.mu.Unlock()
	}

	if len(emptyKeys) > 0 {
		s.mu.Lock()
		for _, key := range emptyKeys {
			w := s.windows[key]
			if w == nil {
				continue
			}
			w.mu.Lock()
			if len(w.buckets) == 0 {
				w.dropped = true
				delete(s.windows, key)
			}
			w.mu.Unlock()
		}
		s.mu.Unlock()
	}

	if evicted > 0 {
		s.metrics.RecordBucketsEvicted(evicted)
		s.logger.Debugf("Evicted %d expired buckets, removed %d idle keys", evicted, len(emptyKeys))
	}
	s.metrics.SetActiveWindowKeys(s.KeyCount())
	return evicted
}

// KeyCount returns the number of keys currently holding buckets
func (s *WindowStore) KeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// ClientIDs returns the sorted client IDs that currently hold a client-level window
func (s *WindowStore) ClientIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.windows))
	for key := range s.windows {
		if key.IsClientLevel() {
			ids = append(ids, key.ClientID)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ClientIPKeys returns the per-source-address keys active for a client,
// sorted by address
func (s *WindowStore) ClientIPKeys(clientID string) []model.BucketKey {
	s.mu.RLock()
	keys := make([]model.BucketKey, 0, 4)
	for key := range s.windows {
		if key.ClientID == clientID && !key.IsClientLevel() {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].SourceIP < keys[j].SourceIP })
	return keys
}

// KeySummary describes one key's retained window for the status API
type KeySummary struct {
	Key             model.BucketKey `json:"key"`
	Buckets         int             `json:"buckets"`
	From            time.Time       `json:"from"`
	To              time.Time       `json:"to"`
	TotalBytes      int64           `json:"total_bytes"`
	ConnectionOpens int             `json:"connection_opens"`
}

// Snapshot summarizes every retained window, sorted by key
func (s *WindowStore) Snapshot() []KeySummary {
	s.mu.RLock()
	candidates := make(map[model.BucketKey]*window, len(s.windows))
	for key, w := range s.windows {
		candidates[key] = w
	}
	s.mu.RUnlock()

	summaries := make([]KeySummary, 0, len(candidates))
	for key, w := range candidates {
		w.mu.RLock()
		if len(w.buckets) == 0 {
			w.mu.RUnlock()
			continue
		}
		summary := KeySummary{
			Key:     key,
			Buckets: len(w.buckets),
			From:    w.buckets[0].BucketStart,
			To:      w.buckets[len(w.buckets)-1].BucketStart,
		}
		for _, b := range w.buckets {
			summary.TotalBytes += b.TotalBytes()
			summary.ConnectionOpens += b.ConnectionOpens
		}
		w.mu.RUnlock()
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Key.String() < summaries[j].Key.String()
	})
	return summaries
}
