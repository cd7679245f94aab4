package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"xray-guard/internal/aggregate"
	"xray-guard/internal/client"
	"xray-guard/internal/dispatch"
	"xray-guard/internal/model"
	"xray-guard/internal/rules"

	"github.com/sirupsen/logrus"
)

// AccessCollector feeds parsed access log entries into the pipeline
type AccessCollector interface {
	Run(ctx context.Context, handler func(model.AccessEntry)) error
}

// StatsCollector polls traffic counters and online addresses from Xray
type StatsCollector interface {
	PollTraffic(ctx context.Context) ([]model.TrafficDelta, error)
	GetOnlineIPs(ctx context.Context, email string) (model.OnlineIPs, error)
}

// Options sets the cadence of the pipeline loops. Zero values fall back to
// the bucket width where one applies.
type Options struct {
	PollInterval     time.Duration
	FlushInterval    time.Duration
	EvictionInterval time.Duration
	EvalInterval     time.Duration
	Attribution      string
	QueueSize        int
}

// Processor owns the data path from the collectors through aggregation and
// evaluation to the decision dispatcher.
type Processor struct {
	watcher    AccessCollector
	stats      StatsCollector
	aggregator *aggregate.Aggregator
	store      *aggregate.WindowStore
	engine     *rules.Engine
	dispatcher *dispatch.Dispatcher
	tracker    *onlineTracker
	options    Options
	events     chan model.Event
	metrics    *client.PrometheusMetrics
	logger     *logrus.Logger
}

// NewProcessor creates a processor over the given collectors and stages
func NewProcessor(watcher AccessCollector, stats StatsCollector, aggregator *aggregate.Aggregator,
	store *aggregate.WindowStore, engine *rules.Engine, dispatcher *dispatch.Dispatcher,
	options Options, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Processor {

	if options.PollInterval <= 0 {
		options.PollInterval = 30 * time.Second
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = aggregator.Width()
	}
	if options.EvictionInterval <= 0 {
		options.EvictionInterval = time.Minute
	}
	if options.EvalInterval <= 0 {
		options.EvalInterval = aggregator.Width()
	}
	if options.Attribution == "" {
		options.Attribution = "proportional"
	}
	if options.QueueSize <= 0 {
		options.QueueSize = 4096
	}

	return &Processor{
		watcher:    watcher,
		stats:      stats,
		aggregator: aggregator,
		store:      store,
		engine:     engine,
		dispatcher: dispatcher,
		tracker:    newOnlineTracker(),
		options:    options,
		events:     make(chan model.Event, options.QueueSize),
		metrics:    metrics,
		logger:     logger,
	}
}

// Run starts the collector, aggregation and evaluation loops and blocks
// until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.consumeEvents(ctx)
	}()

	if p.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.watcher.Run(ctx, p.handleAccess); err != nil {
				p.logger.Errorf("Access log watcher stopped: %v", err)
			}
		}()
	}

	if p.stats != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runStatsLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runMaintenanceLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runEvaluationLoop(ctx)
	}()

	p.logger.Info("Pipeline started")
	<-ctx.Done()
	wg.Wait()
	p.logger.Info("Pipeline stopped")
	return nil
}

func (p *Processor) handleAccess(entry model.AccessEntry) {
	event, ok := NormalizeAccess(entry)
	if !ok {
		return
	}
	p.enqueue(event, "access_log")
}

func (p *Processor) enqueue(event model.Event, source string) {
	select {
	case p.events <- event:
		p.metrics.RecordEventIngested(source)
		p.metrics.SetEventQueueDepth(len(p.events))
	default:
		p.logger.Errorf("Event channel is full, dropping %s event for %s", source, event.ClientID)
	}
}

func (p *Processor) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.events:
			p.metrics.SetEventQueueDepth(len(p.events))
			if event.ConnectionDelta > 0 && event.SourceIP != "" {
				p.tracker.RecordOpen(event.ClientID, event.SourceIP)
			}
			p.aggregator.Ingest(event)
		}
	}
}

func (p *Processor) runStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(p.options.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollStats(ctx)
		}
	}
}

// pollStats folds one stats poll into the pipeline: per-client traffic
// deltas are attributed across online addresses, and addresses that left
// the online map emit close events through the tracker.
func (p *Processor) pollStats(ctx context.Context) {
	deltas, err := p.stats.PollTraffic(ctx)
	if err != nil {
		p.logger.Errorf("Stats poll failed: %v", err)
		return
	}

	now := time.Now().UTC()
	deltaByEmail := make(map[string]model.TrafficDelta, len(deltas))
	emails := make(map[string]bool, len(deltas))
	for _, delta := range deltas {
		deltaByEmail[delta.Email] = delta
		emails[delta.Email] = true
	}
	for _, clientID := range p.tracker.TrackedClients() {
		emails[clientID] = true
	}

	sorted := make([]string, 0, len(emails))
	for email := range emails {
		sorted = append(sorted, email)
	}
	sort.Strings(sorted)

	for _, email := range sorted {
		delta, moved := deltaByEmail[email]

		online, err := p.stats.GetOnlineIPs(ctx, email)
		if err != nil {
			// without the online map the delta cannot be attributed and the
			// tracked addresses must not be treated as closed
			p.logger.Warnf("Failed to fetch online addresses for %s: %v", email, err)
			if moved {
				for _, event := range NormalizeTraffic(delta, nil, p.options.Attribution) {
					p.enqueue(event, "stats")
				}
			}
			continue
		}

		if moved {
			weights := p.tracker.Weights(email, online)
			for _, event := range NormalizeTraffic(delta, weights, p.options.Attribution) {
				p.enqueue(event, "stats")
			}
		}
		for _, event := range p.tracker.Reconcile(email, online, now) {
			p.enqueue(event, "stats")
		}
	}
}

func (p *Processor) runMaintenanceLoop(ctx context.Context) {
	flushTicker := time.NewTicker(p.options.FlushInterval)
	defer flushTicker.Stop()
	evictTicker := time.NewTicker(p.options.EvictionInterval)
	defer evictTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			p.aggregator.Flush(time.Now().UTC())
		case <-evictTicker.C:
			now := time.Now().UTC()
			p.store.EvictExpired(now)
			p.aggregator.PruneIdle(now, p.store.Retention())
		}
	}
}

func (p *Processor) runEvaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(p.options.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.engine.RunCycle(time.Now().UTC())
		}
	}
}
