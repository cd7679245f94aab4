package model

import (
	"sort"
	"time"
)

// AccessEntry represents one parsed Xray access log record
type AccessEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Email     string            `json:"email,omitempty"`
	SourceIP  string            `json:"source_ip,omitempty"`
	Status    string            `json:"status"`
	Transport string            `json:"transport,omitempty"`
	Host      string            `json:"host,omitempty"`
	Port      int               `json:"port,omitempty"`
	Target    string            `json:"target"`
	Inbound   string            `json:"inbound,omitempty"`
	Outbound  string            `json:"outbound,omitempty"`
	BytesIn   int64             `json:"bytes_in,omitempty"`
	BytesOut  int64             `json:"bytes_out,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TrafficDelta is the traffic attributed to one client since the previous
// stats poll
type TrafficDelta struct {
	Email    string    `json:"email"`
	Uplink   int64     `json:"uplink"`
	Downlink int64     `json:"downlink"`
	PolledAt time.Time `json:"polled_at"`
}

// OnlineIPs holds the source addresses currently connected for one client.
// Values are the last-seen unix seconds the stats API reports per address;
// consumers mostly care about set membership.
type OnlineIPs struct {
	Email string           `json:"email"`
	IPs   map[string]int64 `json:"ips"`
}

// Addresses returns the online source addresses in sorted order
func (o OnlineIPs) Addresses() []string {
	addrs := make([]string, 0, len(o.IPs))
	for ip := range o.IPs {
		addrs = append(addrs, ip)
	}
	sort.Strings(addrs)
	return addrs
}

// ClientRecord represents one client entry served by the 3x-ui panel
type ClientRecord struct {
	Email      string `json:"email"`
	InboundID  int    `json:"inbound_id"`
	UUID       string `json:"uuid,omitempty"`
	Enable     bool   `json:"enable"`
	TotalUp    int64  `json:"total_up"`
	TotalDown  int64  `json:"total_down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiry_time,omitempty"`
}
