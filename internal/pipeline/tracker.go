package pipeline

import (
	"sort"
	"sync"
	"time"

	"xray-guard/internal/model"
)

// onlineTracker mirrors the Xray online-address map with connection counts
// learned from the access log. The access log records opens but never
// closes, so an address leaving the online map is the only close signal
// available to keep the open-connection gauges honest.
type onlineTracker struct {
	mu    sync.Mutex
	opens map[string]map[string]int
}

func newOnlineTracker() *onlineTracker {
	return &onlineTracker{opens: make(map[string]map[string]int)}
}

// RecordOpen notes one accepted connection for the client and address
func (t *onlineTracker) RecordOpen(clientID, sourceIP string) {
	if clientID == "" || sourceIP == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	byIP := t.opens[clientID]
	if byIP == nil {
		byIP = make(map[string]int)
		t.opens[clientID] = byIP
	}
	byIP[sourceIP]++
}

// Weights returns the tracked open counts for the client's addresses still
// present in the online map, keyed by address, for byte attribution.
func (t *onlineTracker) Weights(clientID string, online model.OnlineIPs) map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	weights := make(map[string]int64, len(online.IPs))
	byIP := t.opens[clientID]
	for ip := range online.IPs {
		weights[ip] = int64(byIP[ip])
	}
	return weights
}

// Reconcile compares the tracked addresses with the online map and returns
// close events for addresses that disappeared, releasing their counts. A
// client absent from the online map entirely closes all of its addresses.
func (t *onlineTracker) Reconcile(clientID string, online model.OnlineIPs, now time.Time) []model.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	byIP := t.opens[clientID]
	if len(byIP) == 0 {
		return nil
	}

	var events []model.Event
	for ip, count := range byIP {
		if _, still := online.IPs[ip]; still {
			continue
		}
		if count > 0 {
			events = append(events, model.Event{
				ClientID:        clientID,
				SourceIP:        ip,
				Timestamp:       now,
				ConnectionDelta: -count,
			})
		}
		delete(byIP, ip)
	}
	if len(byIP) == 0 {
		delete(t.opens, clientID)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].SourceIP < events[j].SourceIP })
	return events
}

// TrackedClients lists the clients with open connections on record
func (t *onlineTracker) TrackedClients() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	clients := make([]string, 0, len(t.opens))
	for clientID := range t.opens {
		clients = append(clients, clientID)
	}
	sort.Strings(clients)
	return clients
}
