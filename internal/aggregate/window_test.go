package aggregate

import (
	"errors"
	"io"
	"testing"
	"time"

	"xray-guard/internal/model"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sealedBucket(key model.BucketKey, start time.Time, totalBytes int64) *model.Bucket {
	return &model.Bucket{
		Key:         key,
		BucketStart: start,
		BytesIn:     totalBytes,
		Sealed:      true,
	}
}

func TestWindowStoreAppendAndQuery(t *testing.T) {
	store := NewWindowStore(24*time.Hour, nil, testLogger())
	key := model.ClientKey("alice@example.com")
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		require.NoError(t, store.Append(sealedBucket(key, base.Add(time.Duration(i)*10*time.Second), 100)))
	}

	now := base.Add(50 * time.Second)
	buckets := store.Query(key, 30*time.Second, now)
	require.Len(t, buckets, 4, "both interval ends are inclusive")
	assert.Equal(t, base.Add(20*time.Second), buckets[0].BucketStart)
	assert.Equal(t, base.Add(50*time.Second), buckets[3].BucketStart)

	for i := 1; i < len(buckets); i++ {
		assert.True(t, buckets[i-1].BucketStart.Before(buckets[i].BucketStart),
			"results must ascend by bucket start")
	}
}

func TestWindowStoreQueryUnknownKey(t *testing.T) {
	store := NewWindowStore(24*time.Hour, nil, testLogger())

	buckets := store.Query(model.ClientKey("nobody@example.com"), time.Hour, time.Now().UTC())
	assert.Empty(t, buckets)
}

func TestWindowStoreQueryExcludesFuture(t *testing.T) {
	store := NewWindowStore(24*time.Hour, nil, testLogger())
	key := model.ClientKey("alice@example.com")
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(sealedBucket(key, base, 1)))
	require.NoError(t, store.Append(sealedBucket(key, base.Add(10*time.Second), 1)))

	buckets := store.Query(key, time.Minute, base)
	require.Len(t, buckets, 1)
	assert.Equal(t, base, buckets[0].BucketStart)
}

func TestWindowStoreOrderViolation(t *testing.T) {
	store := NewWindowStore(24*time.Hour, nil, testLogger())
	key := model.ClientKey("alice@example.com")
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(sealedBucket(key, base.Add(10*time.Second), 1)))

	err := store.Append(sealedBucket(key, base.Add(10*time.Second), 1))
	require.Error(t, err, "equal start must be rejected")
	assert.True(t, errors.Is(err, ErrOrderViolation))

	err = store.Append(sealedBucket(key, base, 1))
	require.Error(t, err, "older start must be rejected")
	assert.True(t, errors.Is(err, ErrOrderViolation))

	// other keys are unaffected by one key's violation
	other := model.ClientIPKey("alice@example.com", "10.0.0.1")
	assert.NoError(t, store.Append(sealedBucket(other, base, 1)))
}

func TestWindowStoreEviction(t *testing.T) {
	store := NewWindowStore(time.Hour, nil, testLogger())
	active := model.ClientKey("alice@example.com")
	idle := model.ClientKey("bob@example.com")
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(sealedBucket(idle, base, 1)))
	require.NoError(t, store.Append(sealedBucket(active, base, 1)))
	require.NoError(t, store.Append(sealedBucket(active, base.Add(2*time.Hour), 1)))
	require.Equal(t, 2, store.KeyCount())

	evicted := store.EvictExpired(base.Add(2*time.Hour + time.Second))
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 1, store.KeyCount(), "fully evicted keys must disappear")

	assert.Empty(t, store.Query(idle, 24*time.Hour, base.Add(2*time.Hour)))
	remaining := store.Query(active, 24*time.Hour, base.Add(2*time.Hour))
	require.Len(t, remaining, 1)
	assert.Equal(t, base.Add(2*time.Hour), remaining[0].BucketStart)
}

func TestWindowStoreEvictionHorizon(t *testing.T) {
	retention := time.Hour
	store := NewWindowStore(retention, nil, testLogger())
	key := model.ClientKey("alice@example.com")
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Append(sealedBucket(key, base.Add(time.Duration(i)*10*time.Minute), 1)))
	}

	now := base.Add(100 * time.Minute)
	store.EvictExpired(now)

	horizon := now.Add(-retention)
	for _, b := range store.Query(key, 24*time.Hour, now) {
		assert.False(t, b.BucketStart.Before(horizon),
			"bucket %s survived past the retention horizon", b.BucketStart)
	}
}

func TestWindowStoreKeyListing(t *testing.T) {
	store := NewWindowStore(24*time.Hour, nil, testLogger())
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(sealedBucket(model.ClientKey("bob@example.com"), base, 1)))
	require.NoError(t, store.Append(sealedBucket(model.ClientKey("alice@example.com"), base, 1)))
	require.NoError(t, store.Append(sealedBucket(model.ClientIPKey("alice@example.com", "10.0.0.9"), base, 1)))
	require.NoError(t, store.Append(sealedBucket(model.ClientIPKey("alice@example.com", "10.0.0.1"), base, 1)))

	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, store.ClientIDs())

	ipKeys := store.ClientIPKeys("alice@example.com")
	require.Len(t, ipKeys, 2)
	assert.Equal(t, "10.0.0.1", ipKeys[0].SourceIP)
	assert.Equal(t, "10.0.0.9", ipKeys[1].SourceIP)
}

func TestWindowStoreSnapshot(t *testing.T) {
	store := NewWindowStore(24*time.Hour, nil, testLogger())
	key := model.ClientKey("alice@example.com")
	base := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	first := sealedBucket(key, base, 100)
	first.ConnectionOpens = 2
	second := sealedBucket(key, base.Add(10*time.Second), 50)
	second.ConnectionOpens = 1
	require.NoError(t, store.Append(first))
	require.NoError(t, store.Append(second))

	summaries := store.Snapshot()
	require.Len(t, summaries, 1)
	assert.Equal(t, key, summaries[0].Key)
	assert.Equal(t, 2, summaries[0].Buckets)
	assert.Equal(t, base, summaries[0].From)
	assert.Equal(t, base.Add(10*time.Second), summaries[0].To)
	assert.Equal(t, int64(150), summaries[0].TotalBytes)
	assert.Equal(t, 3, summaries[0].ConnectionOpens)
}
