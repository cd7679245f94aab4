package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"xray-guard/internal/model"

	"github.com/sirupsen/logrus"
	statscmd "github.com/xtls/xray-core/app/stats/command"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// XrayStatsClient wraps the StatsService gRPC API exposed by the local Xray
// instance. Traffic counters are cumulative, so the client keeps the previous
// reading per client and hands out deltas.
type XrayStatsClient struct {
	conn    *grpc.ClientConn
	server  string
	stats   statscmd.StatsServiceClient
	metrics *PrometheusMetrics
	logger  *logrus.Logger

	mu         sync.Mutex
	prevTotals map[string]trafficTotals
}

type trafficTotals struct {
	uplink   int64
	downlink int64
}

// NewXrayStatsClient connects to the Xray stats API at server
func NewXrayStatsClient(server string, metrics *PrometheusMetrics, logger *logrus.Logger) (*XrayStatsClient, error) {
	conn, err := grpc.Dial(server, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Xray stats API: %v", err)
	}

	return &XrayStatsClient{
		conn:       conn,
		server:     server,
		stats:      statscmd.NewStatsServiceClient(conn),
		metrics:    metrics,
		logger:     logger,
		prevTotals: make(map[string]trafficTotals),
	}, nil
}

func (c *XrayStatsClient) Close() error {
	return c.conn.Close()
}

// TestConnection waits for the gRPC channel to become ready
func (c *XrayStatsClient) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c.conn.Connect()
	for {
		state := c.conn.GetState()
		if state.String() == "READY" {
			c.logger.Infof("Connected to Xray stats API at %s", c.server)
			return nil
		}
		if !c.conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connection test failed: timeout waiting for connection, state is %s", state.String())
		}
	}
}

// PollTraffic queries the cumulative per-client traffic counters and returns
// the delta for every client that moved since the previous poll. The first
// sighting of a client primes its baseline and contributes no delta.
func (c *XrayStatsClient) PollTraffic(ctx context.Context) ([]model.TrafficDelta, error) {
	// the stats server matches patterns by substring, so "user>>>" selects
	// every per-client counter in one call
	resp, err := c.stats.QueryStats(ctx, &statscmd.QueryStatsRequest{Pattern: "user>>>", Reset_: false})
	if err != nil {
		c.metrics.RecordCollectorError("stats_api")
		return nil, fmt.Errorf("failed to query user traffic stats: %v", err)
	}

	polledAt := time.Now().UTC()
	totals := make(map[string]trafficTotals)
	for _, stat := range resp.GetStat() {
		email, metric := parseUserStatName(stat.GetName())
		if email == "" {
			continue
		}
		entry := totals[email]
		switch metric {
		case "uplink":
			entry.uplink = stat.GetValue()
		case "downlink":
			entry.downlink = stat.GetValue()
		default:
			continue
		}
		totals[email] = entry
	}

	return c.applyTotals(totals, polledAt), nil
}

// applyTotals folds a fresh set of cumulative readings into the baseline and
// returns the per-client deltas, dropping clients that did not move.
func (c *XrayStatsClient) applyTotals(totals map[string]trafficTotals, polledAt time.Time) []model.TrafficDelta {
	c.mu.Lock()
	defer c.mu.Unlock()

	deltas := make([]model.TrafficDelta, 0, len(totals))
	for email, current := range totals {
		prev, seen := c.prevTotals[email]
		if !seen {
			prev = current
		}
		c.prevTotals[email] = current

		delta := model.TrafficDelta{
			Email:    email,
			Uplink:   computeDelta(current.uplink, prev.uplink),
			Downlink: computeDelta(current.downlink, prev.downlink),
			PolledAt: polledAt,
		}
		if delta.Uplink == 0 && delta.Downlink == 0 {
			continue
		}
		deltas = append(deltas, delta)
	}

	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Email < deltas[j].Email })
	return deltas
}

// GetOnlineIPs returns the source addresses the stats API currently tracks
// as online for the client, with the last-seen unix seconds per address
func (c *XrayStatsClient) GetOnlineIPs(ctx context.Context, email string) (model.OnlineIPs, error) {
	name := fmt.Sprintf("user>>>%s>>>online", email)
	resp, err := c.stats.GetStatsOnlineIpList(ctx, &statscmd.GetStatsRequest{Name: name})
	if err != nil {
		c.metrics.RecordCollectorError("stats_api")
		return model.OnlineIPs{}, fmt.Errorf("failed to query online addresses for %s: %v", email, err)
	}

	online := model.OnlineIPs{Email: email, IPs: make(map[string]int64, len(resp.GetIps()))}
	for ip, lastSeen := range resp.GetIps() {
		online.IPs[ip] = lastSeen
	}
	return online, nil
}

// parseUserStatName splits stat names such as "user>>>bob@example.com>>>traffic>>>uplink"
// into the client email and metric. Both the four-part traffic form and the
// legacy three-part form are accepted.
func parseUserStatName(name string) (email, metric string) {
	parts := strings.Split(name, ">>>")
	if len(parts) < 3 || !strings.EqualFold(parts[0], "user") {
		return "", ""
	}
	email = parts[1]
	if len(parts) == 3 {
		return email, strings.ToLower(parts[2])
	}
	if !strings.EqualFold(parts[2], "traffic") {
		return "", ""
	}
	return email, strings.ToLower(parts[3])
}

// computeDelta handles counter restarts: a counter that went backwards is
// treated as reset, so the current reading is the delta.
func computeDelta(current, previous int64) int64 {
	if current < 0 {
		current = 0
	}
	if previous < 0 {
		previous = 0
	}
	if current >= previous {
		return current - previous
	}
	return current
}
