package dispatch

import (
	"context"
	"time"

	"xray-guard/internal/alert"
	"xray-guard/internal/client"
	"xray-guard/internal/model"

	"github.com/sirupsen/logrus"
)

const banTimeout = 30 * time.Second

// BanExecutor applies block decisions at the panel
type BanExecutor interface {
	BanClient(ctx context.Context, clientID, reason string) error
}

// DecisionSink receives every delivered decision, such as the status API store
type DecisionSink interface {
	AddDecision(decision model.Decision)
}

// Dispatcher drains the decision channel and fans each decision out to the
// registered sinks, notifiers and the ban executor. Each decision passes
// through exactly once, in the order the engine emitted it.
type Dispatcher struct {
	decisions <-chan model.Decision
	notifiers []alert.Notifier
	sinks     []DecisionSink
	banner    BanExecutor
	metrics   *client.PrometheusMetrics
	logger    *logrus.Logger
}

// NewDispatcher creates a dispatcher over the engine's decision channel
func NewDispatcher(decisions <-chan model.Decision, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		decisions: decisions,
		metrics:   metrics,
		logger:    logger,
	}
}

// RegisterNotifier adds a notifier. Not safe to call once Run has started.
func (d *Dispatcher) RegisterNotifier(notifier alert.Notifier) {
	d.notifiers = append(d.notifiers, notifier)
	d.logger.Infof("Registered notifier: %s", notifier.Name())
}

// RegisterSink adds a decision sink. Not safe to call once Run has started.
func (d *Dispatcher) RegisterSink(sink DecisionSink) {
	d.sinks = append(d.sinks, sink)
}

// SetBanExecutor wires the panel client that enforces block decisions.
// Not safe to call once Run has started.
func (d *Dispatcher) SetBanExecutor(banner BanExecutor) {
	d.banner = banner
}

// Run consumes decisions until the context is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case decision := <-d.decisions:
			d.dispatch(ctx, decision)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, decision model.Decision) {
	d.metrics.RecordDecision(string(decision.Kind))
	d.logger.WithFields(logrus.Fields{
		"decision_id": decision.ID,
		"kind":        decision.Kind,
		"client":      decision.ClientID,
		"tier":        decision.Tier,
	}).Infof("Dispatching %s decision for client %s", decision.Kind, decision.ClientID)

	for _, sink := range d.sinks {
		sink.AddDecision(decision)
	}

	for _, notifier := range d.notifiers {
		if err := notifier.SendAlert(decision); err != nil {
			d.metrics.RecordNotifyError(notifier.Name())
			d.logger.Errorf("Failed to send alert via %s: %v", notifier.Name(), err)
		}
	}

	if decision.Kind == model.DecisionBlock && d.banner != nil {
		d.executeBan(ctx, decision)
	}
}

func (d *Dispatcher) executeBan(ctx context.Context, decision model.Decision) {
	banCtx, cancel := context.WithTimeout(ctx, banTimeout)
	defer cancel()

	reason := alert.FormatTriggeredRules(decision.TriggeredRules)
	if err := d.banner.BanClient(banCtx, decision.ClientID, reason); err != nil {
		d.metrics.RecordBanFailure()
		d.logger.Errorf("Failed to ban client %s: %v", decision.ClientID, err)
		return
	}

	d.metrics.RecordBanExecuted()
	d.logger.Warnf("Client %s banned: %s", decision.ClientID, reason)
}
