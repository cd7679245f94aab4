package aggregate

import (
	"fmt"
	"testing"
	"time"

	"xray-guard/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(distinctCap int, classifier *DomainClassifier) (*Aggregator, *WindowStore) {
	store := NewWindowStore(24*time.Hour, nil, testLogger())
	agg := NewAggregator(10*time.Second, distinctCap, classifier, store, nil, testLogger())
	return agg, store
}

func TestAggregatorBucketAlignment(t *testing.T) {
	agg, store := newTestAggregator(256, nil)
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	agg.Ingest(model.Event{
		ClientID:        "alice@example.com",
		SourceIP:        "203.0.113.7",
		Timestamp:       base.Add(7 * time.Second),
		ConnectionDelta: 1,
	})
	agg.Flush(base.Add(10 * time.Second))

	buckets := store.Query(model.ClientKey("alice@example.com"), time.Minute, base.Add(10*time.Second))
	require.Len(t, buckets, 1)
	assert.Equal(t, base, buckets[0].BucketStart, "events align to the slot floor")
	assert.True(t, buckets[0].Sealed)
	assert.Equal(t, 1, buckets[0].ConnectionOpens)
	assert.Equal(t, 1, buckets[0].SourceIPs.Len())
}

func TestAggregatorFoldsBothStreams(t *testing.T) {
	agg, store := newTestAggregator(256, nil)
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	agg.Ingest(model.Event{
		ClientID:        "alice@example.com",
		SourceIP:        "203.0.113.7",
		Timestamp:       base,
		BytesIn:         100,
		BytesOut:        50,
		ConnectionDelta: 1,
		DestinationHost: "example.org",
	})
	agg.Ingest(model.Event{
		ClientID:  "alice@example.com",
		SourceIP:  "203.0.113.8",
		Timestamp: base.Add(2 * time.Second),
		BytesIn:   10,
	})
	agg.Flush(base.Add(10 * time.Second))

	now := base.Add(10 * time.Second)
	clientBuckets := store.Query(model.ClientKey("alice@example.com"), time.Minute, now)
	require.Len(t, clientBuckets, 1)
	assert.Equal(t, int64(110), clientBuckets[0].BytesIn)
	assert.Equal(t, int64(50), clientBuckets[0].BytesOut)
	assert.Equal(t, 2, clientBuckets[0].SourceIPs.Len())
	assert.True(t, clientBuckets[0].DestinationHosts.Contains("example.org"))

	ipBuckets := store.Query(model.ClientIPKey("alice@example.com", "203.0.113.7"), time.Minute, now)
	require.Len(t, ipBuckets, 1)
	assert.Equal(t, int64(100), ipBuckets[0].BytesIn)
	assert.Nil(t, ipBuckets[0].SourceIPs, "per-address stream does not track source addresses")

	otherIP := store.Query(model.ClientIPKey("alice@example.com", "203.0.113.8"), time.Minute, now)
	require.Len(t, otherIP, 1)
	assert.Equal(t, int64(10), otherIP[0].BytesIn)
}

func TestAggregatorSealsOnNewerEvent(t *testing.T) {
	agg, store := newTestAggregator(256, nil)
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	key := model.ClientKey("alice@example.com")

	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base.Add(1 * time.Second), BytesIn: 1})
	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base.Add(11 * time.Second), BytesIn: 2})
	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base.Add(25 * time.Second), BytesIn: 3})

	now := base.Add(25 * time.Second)
	buckets := store.Query(key, time.Minute, now)
	require.Len(t, buckets, 2, "only elapsed slots are sealed")
	assert.Equal(t, base, buckets[0].BucketStart)
	assert.Equal(t, base.Add(10*time.Second), buckets[1].BucketStart)
	assert.True(t, buckets[0].BucketStart.Before(buckets[1].BucketStart))

	sealed := agg.Flush(base.Add(30 * time.Second))
	assert.Equal(t, 1, sealed)
	buckets = store.Query(key, time.Minute, base.Add(30*time.Second))
	require.Len(t, buckets, 3)
	assert.Equal(t, int64(3), buckets[2].BytesIn)
}

func TestAggregatorDropsLateEvents(t *testing.T) {
	agg, store := newTestAggregator(256, nil)
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	key := model.ClientKey("alice@example.com")

	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base.Add(1 * time.Second), BytesIn: 1})
	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base.Add(12 * time.Second), BytesIn: 2})

	// the first slot is sealed now; an event for it must be dropped
	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base.Add(3 * time.Second), BytesIn: 100})

	agg.Flush(base.Add(20 * time.Second))
	buckets := store.Query(key, time.Minute, base.Add(20*time.Second))
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(1), buckets[0].BytesIn, "late event must not mutate a sealed bucket")
	assert.Equal(t, int64(2), buckets[1].BytesIn)
}

func TestAggregatorDropsEventBehindOpenBucket(t *testing.T) {
	agg, store := newTestAggregator(256, nil)
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base.Add(30 * time.Second), BytesIn: 1})
	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base, BytesIn: 100})

	agg.Flush(base.Add(40 * time.Second))
	buckets := store.Query(model.ClientKey("alice@example.com"), time.Minute, base.Add(40*time.Second))
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].BytesIn)
}

func TestAggregatorFlushIsIdempotent(t *testing.T) {
	agg, _ := newTestAggregator(256, nil)
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base, BytesIn: 1})

	assert.Equal(t, 0, agg.Flush(base.Add(5*time.Second)), "slot still open")
	assert.Equal(t, 1, agg.Flush(base.Add(10*time.Second)))
	assert.Equal(t, 0, agg.Flush(base.Add(10*time.Second)))
}

func TestAggregatorConnectionGauge(t *testing.T) {
	agg, store := newTestAggregator(256, nil)
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	key := model.ClientKey("alice@example.com")

	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base, ConnectionDelta: 1})
	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base.Add(time.Second), ConnectionDelta: 1})
	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base.Add(2 * time.Second), ConnectionDelta: -1})

	// the gauge carries across slot boundaries
	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base.Add(11 * time.Second)})
	agg.Flush(base.Add(20 * time.Second))

	buckets := store.Query(key, time.Minute, base.Add(20*time.Second))
	require.Len(t, buckets, 2)
	assert.Equal(t, 2, buckets[0].ConnectionOpens)
	assert.Equal(t, 1, buckets[0].ConnectionCloses)
	assert.Equal(t, 1, buckets[0].OpenConnections)
	assert.Equal(t, 1, buckets[1].OpenConnections)
}

func TestAggregatorGaugeClampsAtZero(t *testing.T) {
	agg, store := newTestAggregator(256, nil)
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base, ConnectionDelta: -5})
	agg.Flush(base.Add(10 * time.Second))

	buckets := store.Query(model.ClientKey("alice@example.com"), time.Minute, base.Add(10*time.Second))
	require.Len(t, buckets, 1)
	assert.Equal(t, 0, buckets[0].OpenConnections)
	assert.Equal(t, 5, buckets[0].ConnectionCloses)
}

func TestAggregatorDistinctCap(t *testing.T) {
	agg, store := newTestAggregator(2, nil)
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		agg.Ingest(model.Event{
			ClientID:  "alice@example.com",
			SourceIP:  fmt.Sprintf("10.0.0.%d", i+1),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	agg.Flush(base.Add(10 * time.Second))

	buckets := store.Query(model.ClientKey("alice@example.com"), time.Minute, base.Add(10*time.Second))
	require.Len(t, buckets, 1)
	assert.Equal(t, 2, buckets[0].SourceIPs.Len())
	assert.True(t, buckets[0].SourceIPs.Capped())
}

func TestAggregatorRiskClassification(t *testing.T) {
	classifier := NewDomainClassifier([]model.RiskCategory{
		{Name: "torrent", Domains: []string{"tracker.example.org"}},
	})
	agg, store := newTestAggregator(256, classifier)
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base, DestinationHost: "tracker.example.org"})
	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base, DestinationHost: "announce.tracker.example.org"})
	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base, DestinationHost: "github.com"})
	agg.Flush(base.Add(10 * time.Second))

	buckets := store.Query(model.ClientKey("alice@example.com"), time.Minute, base.Add(10*time.Second))
	require.Len(t, buckets, 1)
	assert.Equal(t, 2, buckets[0].RiskHits["torrent"])
}

func TestAggregatorIgnoresAnonymousEvents(t *testing.T) {
	agg, store := newTestAggregator(256, nil)

	agg.Ingest(model.Event{SourceIP: "203.0.113.7", Timestamp: time.Now().UTC()})
	agg.Flush(time.Now().UTC().Add(time.Minute))

	assert.Equal(t, 0, store.KeyCount())
}

func TestAggregatorPruneIdle(t *testing.T) {
	agg, _ := newTestAggregator(256, nil)
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	agg.Ingest(model.Event{ClientID: "alice@example.com", Timestamp: base})
	agg.Flush(base.Add(10 * time.Second))

	assert.Equal(t, 0, agg.PruneIdle(base.Add(time.Hour), 24*time.Hour))
	assert.Equal(t, 1, agg.PruneIdle(base.Add(25*time.Hour), 24*time.Hour))
}
