package rules

import (
	"net"
	"sort"
	"time"

	"xray-guard/internal/aggregate"
	"xray-guard/internal/model"
)

// Dimension names accepted in policy rule settings
const (
	DimensionConnectionCount   = "connection_count"
	DimensionActiveConnections = "active_connections"
	DimensionDistinctIPs       = "distinct_ips"
	DimensionDistinctSubnets   = "distinct_subnets"
	DimensionBurstRate         = "burst_bytes_per_sec"
	DimensionTotalBytes        = "total_bytes"
	DimensionScanSignatures    = "scan_signatures"
	DimensionHighRiskHits      = "high_risk_hits"
	DimensionRepeatedWarning   = "repeated_warning"
)

type dimensionFunc func(*evalContext, model.RuleSetting) float64

var dimensionFuncs = map[string]dimensionFunc{
	DimensionConnectionCount:   dimConnectionCount,
	DimensionActiveConnections: dimActiveConnections,
	DimensionDistinctIPs:       dimDistinctIPs,
	DimensionDistinctSubnets:   dimDistinctSubnets,
	DimensionBurstRate:         dimBurstRate,
	DimensionTotalBytes:        dimTotalBytes,
	DimensionScanSignatures:    dimScanSignatures,
	DimensionHighRiskHits:      dimHighRiskHits,
	DimensionRepeatedWarning:   dimRepeatedWarning,
}

// Dimensions returns the sorted names of every evaluable dimension
func Dimensions() []string {
	names := make([]string, 0, len(dimensionFuncs))
	for name := range dimensionFuncs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KnownDimension reports whether name can be used in a policy rule
func KnownDimension(name string) bool {
	_, ok := dimensionFuncs[name]
	return ok
}

// evalContext carries one client evaluation across its rule dimensions,
// caching window queries so rules sharing a lookback read one snapshot.
type evalContext struct {
	store      *aggregate.WindowStore
	clientID   string
	now        time.Time
	width      time.Duration
	warnStreak int

	clientCache map[time.Duration][]*model.Bucket
	sawBuckets  bool
	capped      bool
	earliest    time.Time
	maxBuckets  int
}

func newEvalContext(store *aggregate.WindowStore, clientID string, now time.Time, width time.Duration, warnStreak int) *evalContext {
	return &evalContext{
		store:       store,
		clientID:    clientID,
		now:         now,
		width:       width,
		warnStreak:  warnStreak,
		clientCache: make(map[time.Duration][]*model.Bucket),
	}
}

func (c *evalContext) clientBuckets(lookback time.Duration) []*model.Bucket {
	if buckets, ok := c.clientCache[lookback]; ok {
		return buckets
	}
	buckets := c.store.Query(model.ClientKey(c.clientID), lookback, c.now)
	c.noteBuckets(buckets)
	c.clientCache[lookback] = buckets
	return buckets
}

func (c *evalContext) noteBuckets(buckets []*model.Bucket) {
	for _, b := range buckets {
		c.sawBuckets = true
		if c.earliest.IsZero() || b.BucketStart.Before(c.earliest) {
			c.earliest = b.BucketStart
		}
		if b.SourceIPs != nil && b.SourceIPs.Capped() {
			c.capped = true
		}
		if b.DestinationHosts != nil && b.DestinationHosts.Capped() {
			c.capped = true
		}
	}
	if len(buckets) > c.maxBuckets {
		c.maxBuckets = len(buckets)
	}
}

// evidence assembles the snapshot backing the decision. A client with no
// retained buckets yields an empty snapshot.
func (c *evalContext) evidence(measurements map[string]float64) model.Evidence {
	if !c.sawBuckets {
		return model.Evidence{}
	}
	return model.Evidence{
		From:         c.earliest,
		To:           c.now,
		Buckets:      c.maxBuckets,
		Measurements: measurements,
		Capped:       c.capped,
	}
}

func dimConnectionCount(c *evalContext, rule model.RuleSetting) float64 {
	var opens int
	for _, b := range c.clientBuckets(rule.LookbackDuration()) {
		opens += b.ConnectionOpens
	}
	return float64(opens)
}

func dimActiveConnections(c *evalContext, rule model.RuleSetting) float64 {
	buckets := c.clientBuckets(rule.LookbackDuration())
	if len(buckets) == 0 {
		return 0
	}
	return float64(buckets[len(buckets)-1].OpenConnections)
}

func dimDistinctIPs(c *evalContext, rule model.RuleSetting) float64 {
	union := make(map[string]struct{})
	for _, b := range c.clientBuckets(rule.LookbackDuration()) {
		if b.SourceIPs == nil {
			continue
		}
		for _, ip := range b.SourceIPs.Values() {
			union[ip] = struct{}{}
		}
	}
	return float64(len(union))
}

func dimDistinctSubnets(c *evalContext, rule model.RuleSetting) float64 {
	union := make(map[string]struct{})
	for _, b := range c.clientBuckets(rule.LookbackDuration()) {
		if b.SourceIPs == nil {
			continue
		}
		for _, ip := range b.SourceIPs.Values() {
			union[subnetOf(ip)] = struct{}{}
		}
	}
	return float64(len(union))
}

func dimBurstRate(c *evalContext, rule model.RuleSetting) float64 {
	seconds := c.width.Seconds()
	if seconds <= 0 {
		return 0
	}
	var max float64
	for _, b := range c.clientBuckets(rule.LookbackDuration()) {
		if rate := float64(b.TotalBytes()) / seconds; rate > max {
			max = rate
		}
	}
	return max
}

func dimTotalBytes(c *evalContext, rule model.RuleSetting) float64 {
	var total int64
	for _, b := range c.clientBuckets(rule.LookbackDuration()) {
		total += b.TotalBytes()
	}
	return float64(total)
}

// dimScanSignatures measures destination fan-out from a single source
// address: the largest distinct destination host count any one of the
// client's addresses reached inside the lookback.
func dimScanSignatures(c *evalContext, rule model.RuleSetting) float64 {
	var max int
	for _, key := range c.store.ClientIPKeys(c.clientID) {
		buckets := c.store.Query(key, rule.LookbackDuration(), c.now)
		c.noteBuckets(buckets)
		union := make(map[string]struct{})
		for _, b := range buckets {
			if b.DestinationHosts == nil {
				continue
			}
			for _, host := range b.DestinationHosts.Values() {
				union[host] = struct{}{}
			}
		}
		if len(union) > max {
			max = len(union)
		}
	}
	return float64(max)
}

func dimHighRiskHits(c *evalContext, rule model.RuleSetting) float64 {
	var hits int
	for _, b := range c.clientBuckets(rule.LookbackDuration()) {
		for _, n := range b.RiskHits {
			hits += n
		}
	}
	return float64(hits)
}

func dimRepeatedWarning(c *evalContext, rule model.RuleSetting) float64 {
	return float64(c.warnStreak)
}

// subnetOf collapses an address to its abuse-relevant prefix, /24 for IPv4
// and /48 for IPv6. Unparseable values count as their own subnet.
func subnetOf(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return addr
	}
	if v4 := ip.To4(); v4 != nil {
		mask := net.CIDRMask(24, 32)
		return (&net.IPNet{IP: v4.Mask(mask), Mask: mask}).String()
	}
	mask := net.CIDRMask(48, 128)
	return (&net.IPNet{IP: ip.Mask(mask), Mask: mask}).String()
}
