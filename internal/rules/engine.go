package rules

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"xray-guard/internal/aggregate"
	"xray-guard/internal/client"
	"xray-guard/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// clientState is the engine's only per-client memory: the last emitted
// decision, the running warn streak and the block latch.
type clientState struct {
	lastKind         model.DecisionKind
	lastDecisionAt   time.Time
	consecutiveWarns int
	blocked          bool
	lastEvidence     model.Evidence
}

// Engine evaluates every active client against its policy tier over the
// window store and emits warn and block decisions on a buffered channel.
type Engine struct {
	store    *aggregate.WindowStore
	policies *model.PolicySet
	width    time.Duration

	mu     sync.Mutex
	states map[string]*clientState

	busy       atomic.Bool
	decisionCh chan model.Decision
	metrics    *client.PrometheusMetrics
	logger     *logrus.Logger
}

func NewEngine(store *aggregate.WindowStore, policies *model.PolicySet, bucketWidth time.Duration, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Engine {
	return &Engine{
		store:      store,
		policies:   policies,
		width:      bucketWidth,
		states:     make(map[string]*clientState),
		decisionCh: make(chan model.Decision, 100),
		metrics:    metrics,
		logger:     logger,
	}
}

// GetDecisionChannel returns the channel decisions are emitted on
func (e *Engine) GetDecisionChannel() <-chan model.Decision {
	return e.decisionCh
}

// RunCycle evaluates every client with retained aggregates. If the previous
// cycle is still running the whole cycle is skipped and counted rather than
// queued. Returns the number of decisions emitted.
func (e *Engine) RunCycle(now time.Time) int {
	if !e.busy.CompareAndSwap(false, true) {
		e.metrics.RecordEvaluationSkipped()
		e.logger.Warn("Previous evaluation cycle still running, skipping")
		return 0
	}
	defer e.busy.Store(false)

	e.metrics.RecordEvaluationCycle()
	emitted := 0
	for _, clientID := range e.store.ClientIDs() {
		if _, sent := e.Evaluate(clientID, now); sent {
			emitted++
		}
	}
	return emitted
}

// Evaluate runs one evaluation for clientID at now. It returns the computed
// decision and whether it was emitted; cooldown suppression and the block
// latch keep the per-client state current without emitting.
func (e *Engine) Evaluate(clientID string, now time.Time) (model.Decision, bool) {
	tier := e.policies.TierFor(clientID)

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.states[clientID]
	if st == nil {
		st = &clientState{}
		e.states[clientID] = st
	}

	ctx := newEvalContext(e.store, clientID, now, e.width, st.consecutiveWarns)
	kind := model.DecisionNone
	measurements := make(map[string]float64, len(tier.Rules))
	var triggered []model.TriggeredRule

	for _, rule := range tier.Rules {
		eval := dimensionFuncs[rule.Dimension]
		if eval == nil {
			continue
		}
		measured := eval(ctx, rule)
		measurements[rule.Dimension] = measured
		if measured > rule.Threshold {
			triggered = append(triggered, model.TriggeredRule{
				Rule:      rule.Dimension,
				Measured:  measured,
				Threshold: rule.Threshold,
			})
			if rule.Severity.Exceeds(kind) {
				kind = rule.Severity
			}
		}
	}

	decision := model.Decision{
		ID:             uuid.NewString(),
		Kind:           kind,
		ClientID:       clientID,
		Tier:           tier.Name,
		TriggeredRules: triggered,
		Evidence:       ctx.evidence(measurements),
		DecidedAt:      now,
	}

	emitted := false
	switch {
	case st.blocked:
		// latched: nothing is emitted until the block is lifted externally

	case kind == model.DecisionNone:
		st.consecutiveWarns = 0

	case kind == model.DecisionWarn:
		st.consecutiveWarns++
		emitted = !e.inCooldown(st, kind, now, tier)

	case kind == model.DecisionBlock:
		st.consecutiveWarns = 0
		emitted = !e.inCooldown(st, kind, now, tier)
		if emitted {
			st.blocked = true
		}
	}

	st.lastEvidence = decision.Evidence
	if emitted {
		st.lastKind = kind
		st.lastDecisionAt = now
		e.emit(decision)
	}
	return decision, emitted
}

// inCooldown suppresses a decision of the same kind as the last emitted one
// inside the tier cooldown. A higher or lower kind is never suppressed.
func (e *Engine) inCooldown(st *clientState, kind model.DecisionKind, now time.Time, tier *model.PolicyTier) bool {
	if st.lastKind != kind {
		return false
	}
	cooldown := tier.CooldownDuration()
	return cooldown > 0 && now.Sub(st.lastDecisionAt) < cooldown
}

func (e *Engine) emit(decision model.Decision) {
	select {
	case e.decisionCh <- decision:
	default:
		e.metrics.RecordDecisionDropped()
		e.logger.Error("Decision channel is full, dropping decision")
	}
}

// ClearClient lifts a client's block latch and forgets its state, as when
// an operator re-enables the client at the panel. Returns whether any state
// existed.
func (e *Engine) ClearClient(clientID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.states[clientID]
	if ok {
		delete(e.states, clientID)
		e.logger.Infof("Cleared evaluation state for client %s", clientID)
	}
	return ok
}

// ClientStateSummary describes one client's evaluation state for the status API
type ClientStateSummary struct {
	ClientID         string             `json:"client_id"`
	Tier             string             `json:"tier"`
	LastKind         model.DecisionKind `json:"last_kind"`
	LastDecisionAt   time.Time          `json:"last_decision_at"`
	ConsecutiveWarns int                `json:"consecutive_warns"`
	Blocked          bool               `json:"blocked"`
	LastEvidence     model.Evidence     `json:"last_evidence"`
}

// ClientStates returns a snapshot of every tracked client, sorted by ID
func (e *Engine) ClientStates() []ClientStateSummary {
	e.mu.Lock()
	summaries := make([]ClientStateSummary, 0, len(e.states))
	for clientID, st := range e.states {
		kind := st.lastKind
		if kind == "" {
			kind = model.DecisionNone
		}
		summaries = append(summaries, ClientStateSummary{
			ClientID:         clientID,
			Tier:             e.policies.TierFor(clientID).Name,
			LastKind:         kind,
			LastDecisionAt:   st.lastDecisionAt,
			ConsecutiveWarns: st.consecutiveWarns,
			Blocked:          st.blocked,
			LastEvidence:     st.lastEvidence,
		})
	}
	e.mu.Unlock()

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ClientID < summaries[j].ClientID })
	return summaries
}
