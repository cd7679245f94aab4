package aggregate

import (
	"hash/fnv"
	"sync"
	"time"

	"xray-guard/internal/client"
	"xray-guard/internal/model"

	"github.com/sirupsen/logrus"
)

const shardCount = 64

type keyState struct {
	current    *model.Bucket
	lastSealed time.Time
	hasSealed  bool
	openConns  int
}

type shard struct {
	mu    sync.Mutex
	state map[model.BucketKey]*keyState
}

// Aggregator folds normalized events into fixed-width buckets, one stream
// per client and one per client and source address pair. Folding for a key
// is serialized through its shard; keys on different shards fold
// concurrently.
type Aggregator struct {
	width       time.Duration
	distinctCap int
	classifier  *DomainClassifier
	store       *WindowStore
	shards      [shardCount]shard
	metrics     *client.PrometheusMetrics
	logger      *logrus.Logger
}

// NewAggregator creates an aggregator sealing into store
func NewAggregator(width time.Duration, distinctCap int, classifier *DomainClassifier, store *WindowStore, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Aggregator {
	a := &Aggregator{
		width:       width,
		distinctCap: distinctCap,
		classifier:  classifier,
		store:       store,
		metrics:     metrics,
		logger:      logger,
	}
	for i := range a.shards {
		a.shards[i].state = make(map[model.BucketKey]*keyState)
	}
	return a
}

// Width returns the bucket width
func (a *Aggregator) Width() time.Duration {
	return a.width
}

func (a *Aggregator) shardFor(key model.BucketKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.ClientID))
	h.Write([]byte{0})
	h.Write([]byte(key.SourceIP))
	return &a.shards[h.Sum32()%shardCount]
}

// Ingest folds one event into the client-level stream and, when the event
// carries a source address, into the per-address stream. Events older than
// the most recently sealed bucket for a stream are dropped and counted.
func (a *Aggregator) Ingest(event model.Event) {
	if event.ClientID == "" {
		return
	}
	a.ingestKey(model.ClientKey(event.ClientID), event, true)
	if event.SourceIP != "" {
		a.ingestKey(model.ClientIPKey(event.ClientID, event.SourceIP), event, false)
	}
}

func (a *Aggregator) ingestKey(key model.BucketKey, event model.Event, clientLevel bool) {
	bucketStart := event.Timestamp.UTC().Truncate(a.width)

	sh := a.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.state[key]
	if st == nil {
		st = &keyState{}
		sh.state[key] = st
	}

	if st.current != nil && bucketStart.After(st.current.BucketStart) {
		a.seal(st)
	}

	if st.current == nil {
		if st.hasSealed && !bucketStart.After(st.lastSealed) {
			a.dropLate(key, event)
			return
		}
		st.current = a.newBucket(key, bucketStart, clientLevel)
	} else if bucketStart.Before(st.current.BucketStart) {
		a.dropLate(key, event)
		return
	}

	a.fold(st, event, clientLevel)
}

func (a *Aggregator) dropLate(key model.BucketKey, event model.Event) {
	a.metrics.RecordLateEvent()
	a.logger.Debugf("Dropping late event for %s at %s", key, event.Timestamp.Format(time.RFC3339))
}

func (a *Aggregator) newBucket(key model.BucketKey, start time.Time, clientLevel bool) *model.Bucket {
	bucket := &model.Bucket{
		Key:              key,
		BucketStart:      start,
		DestinationHosts: model.NewDistinctSet(a.distinctCap),
	}
	if clientLevel {
		bucket.SourceIPs = model.NewDistinctSet(a.distinctCap)
		bucket.RiskHits = make(map[string]int)
	}
	return bucket
}

func (a *Aggregator) fold(st *keyState, event model.Event, clientLevel bool) {
	bucket := st.current
	bucket.BytesIn += event.BytesIn
	bucket.BytesOut += event.BytesOut

	if event.ConnectionDelta > 0 {
		bucket.ConnectionOpens += event.ConnectionDelta
	} else if event.ConnectionDelta < 0 {
		bucket.ConnectionCloses -= event.ConnectionDelta
	}
	st.openConns += event.ConnectionDelta
	if st.openConns < 0 {
		st.openConns = 0
	}
	bucket.OpenConnections = st.openConns

	if clientLevel && event.SourceIP != "" {
		a.addDistinct(bucket.SourceIPs, event.SourceIP, "source_ips")
	}
	if event.DestinationHost != "" {
		a.addDistinct(bucket.DestinationHosts, event.DestinationHost, "destination_hosts")
		if clientLevel && a.classifier != nil {
			if category := a.classifier.Classify(event.DestinationHost); category != "" {
				bucket.RiskHits[category]++
			}
		}
	}
}

func (a *Aggregator) addDistinct(set *model.DistinctSet, value, name string) {
	wasCapped := set.Capped()
	set.Add(value)
	if !wasCapped && set.Capped() {
		a.metrics.RecordCapSaturation(name)
	}
}

func (a *Aggregator) seal(st *keyState) {
	bucket := st.current
	bucket.Sealed = true
	st.current = nil
	st.lastSealed = bucket.BucketStart
	st.hasSealed = true

	if err := a.store.Append(bucket); err != nil {
		a.logger.Errorf("Failed to append sealed bucket: %v", err)
		return
	}
	a.metrics.RecordBucketSealed()
}

// Flush seals every open bucket whose slot has fully elapsed at now
func (a *Aggregator) Flush(now time.Time) int {
	sealed := 0
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for _, st := range sh.state {
			if st.current != nil && !now.Before(st.current.BucketEnd(a.width)) {
				a.seal(st)
				sealed++
			}
		}
		sh.mu.Unlock()
	}
	return sealed
}

// PruneIdle forgets the sealing state of keys with no open bucket and no
// seal newer than idleAfter. The window store eviction keeps the same
// horizon, so a pruned key restarting cannot collide with retained buckets.
func (a *Aggregator) PruneIdle(now time.Time, idleAfter time.Duration) int {
	pruned := 0
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for key, st := range sh.state {
			if st.current == nil && now.Sub(st.lastSealed) > idleAfter {
				delete(sh.state, key)
				pruned++
			}
		}
		sh.mu.Unlock()
	}
	return pruned
}
