package pipeline

import (
	"sort"

	"xray-guard/internal/model"
)

// NormalizeAccess converts a parsed access log entry into a bucket event.
// Only accepted connections count as opens; rejected attempts still carry
// the source address and destination so fan-out stays visible. Entries
// without a client identity are dropped.
func NormalizeAccess(entry model.AccessEntry) (model.Event, bool) {
	if entry.Email == "" {
		return model.Event{}, false
	}

	event := model.Event{
		ClientID:        entry.Email,
		SourceIP:        entry.SourceIP,
		Timestamp:       entry.Timestamp,
		BytesIn:         entry.BytesIn,
		BytesOut:        entry.BytesOut,
		DestinationHost: entry.Host,
	}
	if event.DestinationHost == "" {
		event.DestinationHost = entry.Target
	}
	if entry.Status == "accepted" {
		event.ConnectionDelta = 1
	}
	return event, true
}

// NormalizeTraffic converts a polled traffic delta into bucket events. With
// a non-empty weight map the volume is attributed across those source
// addresses; otherwise one client-level event carries all of it.
func NormalizeTraffic(delta model.TrafficDelta, weights map[string]int64, strategy string) []model.Event {
	if delta.Email == "" {
		return nil
	}
	if len(weights) == 0 {
		return []model.Event{{
			ClientID:  delta.Email,
			Timestamp: delta.PolledAt,
			BytesIn:   delta.Uplink,
			BytesOut:  delta.Downlink,
		}}
	}

	up := AttributeBytes(delta.Uplink, weights, strategy)
	down := AttributeBytes(delta.Downlink, weights, strategy)

	ips := make([]string, 0, len(weights))
	for ip := range weights {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	events := make([]model.Event, 0, len(ips))
	for _, ip := range ips {
		if up[ip] == 0 && down[ip] == 0 {
			continue
		}
		events = append(events, model.Event{
			ClientID:  delta.Email,
			SourceIP:  ip,
			Timestamp: delta.PolledAt,
			BytesIn:   up[ip],
			BytesOut:  down[ip],
		})
	}
	return events
}

// AttributeBytes splits total across the weighted addresses. The
// proportional strategy hands each address its floored share and gives the
// rounding remainder to the heaviest address, so the shares always sum to
// total. All-zero weights fall back to a uniform split.
func AttributeBytes(total int64, weights map[string]int64, strategy string) map[string]int64 {
	shares := make(map[string]int64, len(weights))
	if total <= 0 || len(weights) == 0 {
		return shares
	}

	ips := make([]string, 0, len(weights))
	var sum int64
	for ip, weight := range weights {
		ips = append(ips, ip)
		if weight > 0 {
			sum += weight
		}
	}
	sort.Strings(ips)

	if strategy == "uniform" || sum <= 0 {
		each := total / int64(len(ips))
		for _, ip := range ips {
			shares[ip] = each
		}
		shares[ips[0]] += total - each*int64(len(ips))
		return shares
	}

	var assigned int64
	heaviest := ips[0]
	for _, ip := range ips {
		weight := weights[ip]
		if weight < 0 {
			weight = 0
		}
		share := total * weight / sum
		shares[ip] = share
		assigned += share
		if weights[ip] > weights[heaviest] {
			heaviest = ip
		}
	}
	shares[heaviest] += total - assigned
	return shares
}
