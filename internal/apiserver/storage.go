package apiserver

import (
	"sync"

	"xray-guard/internal/model"

	"github.com/sirupsen/logrus"
)

// Storage keeps the most recent decisions in memory for the status API. It
// receives decisions as a dispatch sink and fans them out to websocket
// subscribers.
type Storage struct {
	mu           sync.RWMutex
	decisions    []model.Decision
	maxDecisions int
	logger       *logrus.Logger

	subsMu sync.RWMutex
	subs   map[*DecisionSubscriber]bool
}

// DecisionSubscriber receives live decisions matching its filter
type DecisionSubscriber struct {
	Channel chan model.Decision
	Filter  DecisionFilter
}

// DecisionFilter narrows a decision query or subscription
type DecisionFilter struct {
	Kind     string
	ClientID string
}

func (f DecisionFilter) matches(decision model.Decision) bool {
	if f.Kind != "" && string(decision.Kind) != f.Kind {
		return false
	}
	if f.ClientID != "" && decision.ClientID != f.ClientID {
		return false
	}
	return true
}

func NewStorage(logger *logrus.Logger) *Storage {
	return &Storage{
		decisions:    make([]model.Decision, 0),
		maxDecisions: 10000, // keep the last 10k decisions
		logger:       logger,
		subs:         make(map[*DecisionSubscriber]bool),
	}
}

// AddDecision appends a decision, trimming the oldest entries once the
// buffer overflows, and notifies subscribers.
func (s *Storage) AddDecision(decision model.Decision) {
	s.mu.Lock()
	s.decisions = append(s.decisions, decision)
	if len(s.decisions) > s.maxDecisions {
		s.decisions = s.decisions[len(s.decisions)-s.maxDecisions:]
	}
	s.mu.Unlock()

	s.notifySubscribers(decision)
}

// GetDecisions returns up to limit decisions matching the filter, latest first
func (s *Storage) GetDecisions(limit int, filter DecisionFilter) []model.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Decision, 0)
	for i := len(s.decisions) - 1; i >= 0 && len(result) < limit; i-- {
		if !filter.matches(s.decisions[i]) {
			continue
		}
		result = append(result, s.decisions[i])
	}
	return result
}

// GetDecisionByID looks a decision up by its identifier
func (s *Storage) GetDecisionByID(id string) *model.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].ID == id {
			decision := s.decisions[i]
			return &decision
		}
	}
	return nil
}

// DecisionStats summarizes the retained decisions
type DecisionStats struct {
	Total        int64            `json:"total"`
	KindCounts   map[string]int64 `json:"kind_counts"`
	ClientCounts map[string]int64 `json:"client_counts"`
}

// Stats counts the retained decisions by kind and client
func (s *Storage) Stats() DecisionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := DecisionStats{
		Total:        int64(len(s.decisions)),
		KindCounts:   make(map[string]int64),
		ClientCounts: make(map[string]int64),
	}
	for i := range s.decisions {
		stats.KindCounts[string(s.decisions[i].Kind)]++
		stats.ClientCounts[s.decisions[i].ClientID]++
	}
	return stats
}

// Subscribe registers a live decision subscriber
func (s *Storage) Subscribe(sub *DecisionSubscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs[sub] = true
}

// Unsubscribe removes the subscriber and closes its channel
func (s *Storage) Unsubscribe(sub *DecisionSubscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, sub)
	close(sub.Channel)
}

func (s *Storage) notifySubscribers(decision model.Decision) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for sub := range s.subs {
		if !sub.Filter.matches(decision) {
			continue
		}
		select {
		case sub.Channel <- decision:
		default:
			// subscriber is not keeping up, skip
		}
	}
}
