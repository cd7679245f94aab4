package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"xray-guard/internal/client"
	"xray-guard/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type captureNotifier struct {
	name string
	err  error

	mu   sync.Mutex
	sent []model.Decision
}

func (n *captureNotifier) Name() string { return n.name }

func (n *captureNotifier) SendAlert(decision model.Decision) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, decision)
	return n.err
}

func (n *captureNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type captureSink struct {
	mu        sync.Mutex
	decisions []model.Decision
	delivered chan struct{}
}

func (s *captureSink) AddDecision(decision model.Decision) {
	s.mu.Lock()
	s.decisions = append(s.decisions, decision)
	s.mu.Unlock()
	if s.delivered != nil {
		s.delivered <- struct{}{}
	}
}

func (s *captureSink) all() []model.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Decision(nil), s.decisions...)
}

type captureBanner struct {
	err error

	mu      sync.Mutex
	banned  []string
	reasons []string
}

func (b *captureBanner) BanClient(ctx context.Context, clientID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.banned = append(b.banned, clientID)
	b.reasons = append(b.reasons, reason)
	return b.err
}

func (b *captureBanner) bannedClients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.banned...)
}

func testDecision(kind model.DecisionKind, clientID string) model.Decision {
	return model.Decision{
		ID:       "d-" + clientID,
		Kind:     kind,
		ClientID: clientID,
		Tier:     "standard",
		TriggeredRules: []model.TriggeredRule{
			{Rule: "distinct_subnets", Measured: 15, Threshold: 10},
		},
		DecidedAt: time.Now().UTC(),
	}
}

func awaitDeliveries(t *testing.T, delivered <-chan struct{}, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, count)
		}
	}
}

func TestDispatchFansOut(t *testing.T) {
	decisions := make(chan model.Decision, 4)
	metrics := client.NewPrometheusMetrics()
	dispatcher := NewDispatcher(decisions, metrics, testLogger())

	notifier := &captureNotifier{name: "capture"}
	sink := &captureSink{delivered: make(chan struct{}, 4)}
	banner := &captureBanner{}
	dispatcher.RegisterNotifier(notifier)
	dispatcher.RegisterSink(sink)
	dispatcher.SetBanExecutor(banner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	decisions <- testDecision(model.DecisionWarn, "alice@example.com")
	decisions <- testDecision(model.DecisionBlock, "mallory@example.com")
	awaitDeliveries(t, sink.delivered, 2)
	cancel()
	<-done

	stored := sink.all()
	require.Len(t, stored, 2)
	assert.Equal(t, "alice@example.com", stored[0].ClientID, "decisions keep channel order")
	assert.Equal(t, "mallory@example.com", stored[1].ClientID)

	assert.Equal(t, 2, notifier.sentCount())

	assert.Equal(t, []string{"mallory@example.com"}, banner.bannedClients(), "only block decisions reach the ban executor")
	banner.mu.Lock()
	assert.Contains(t, banner.reasons[0], "distinct_subnets=15>10")
	banner.mu.Unlock()

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BansExecuted))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.BanFailures))
}

func TestNotifierFailureDoesNotStopDispatch(t *testing.T) {
	decisions := make(chan model.Decision, 2)
	metrics := client.NewPrometheusMetrics()
	dispatcher := NewDispatcher(decisions, metrics, testLogger())

	failing := &captureNotifier{name: "failing", err: errors.New("boom")}
	healthy := &captureNotifier{name: "healthy"}
	sink := &captureSink{delivered: make(chan struct{}, 2)}
	banner := &captureBanner{}
	dispatcher.RegisterNotifier(failing)
	dispatcher.RegisterNotifier(healthy)
	dispatcher.RegisterSink(sink)
	dispatcher.SetBanExecutor(banner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	decisions <- testDecision(model.DecisionBlock, "mallory@example.com")
	awaitDeliveries(t, sink.delivered, 1)
	cancel()
	<-done

	assert.Equal(t, 1, failing.sentCount())
	assert.Equal(t, 1, healthy.sentCount(), "later notifiers still run after a failure")
	assert.Len(t, banner.bannedClients(), 1, "the ban still executes after a notify failure")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.NotifyErrors.WithLabelValues("failing")))
}

func TestBanFailureIsCountedAndTolerated(t *testing.T) {
	decisions := make(chan model.Decision, 2)
	metrics := client.NewPrometheusMetrics()
	dispatcher := NewDispatcher(decisions, metrics, testLogger())

	sink := &captureSink{delivered: make(chan struct{}, 2)}
	banner := &captureBanner{err: errors.New("panel unreachable")}
	dispatcher.RegisterSink(sink)
	dispatcher.SetBanExecutor(banner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	decisions <- testDecision(model.DecisionBlock, "mallory@example.com")
	decisions <- testDecision(model.DecisionWarn, "alice@example.com")
	awaitDeliveries(t, sink.delivered, 2)
	cancel()
	<-done

	require.Len(t, sink.all(), 2, "dispatch continues past a failed ban")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BanFailures))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.BansExecuted))
}
