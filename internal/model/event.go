package model

import (
	"time"
)

// Event represents a single normalized observation from a collector
type Event struct {
	ClientID        string    `json:"client_id"`
	SourceIP        string    `json:"source_ip,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	BytesIn         int64     `json:"bytes_in,omitempty"`
	BytesOut        int64     `json:"bytes_out,omitempty"`
	ConnectionDelta int       `json:"connection_delta,omitempty"`
	DestinationHost string    `json:"destination_host,omitempty"`
}

// TotalBytes returns the combined transfer volume of the event
func (e Event) TotalBytes() int64 {
	return e.BytesIn + e.BytesOut
}

// BucketKey identifies one aggregation stream. SourceIP is empty for the
// client-level stream and set for the per-source-address stream.
type BucketKey struct {
	ClientID string `json:"client_id"`
	SourceIP string `json:"source_ip,omitempty"`
}

// ClientKey returns the client-level key for clientID
func ClientKey(clientID string) BucketKey {
	return BucketKey{ClientID: clientID}
}

// ClientIPKey returns the per-source-address key for a client
func ClientIPKey(clientID, sourceIP string) BucketKey {
	return BucketKey{ClientID: clientID, SourceIP: sourceIP}
}

// IsClientLevel reports whether the key aggregates across all source addresses
func (k BucketKey) IsClientLevel() bool {
	return k.SourceIP == ""
}

func (k BucketKey) String() string {
	if k.SourceIP == "" {
		return k.ClientID
	}
	return k.ClientID + "|" + k.SourceIP
}

// Bucket accumulates activity for one key over a fixed-width time slot.
// A bucket is mutable while open and immutable once Sealed is set.
type Bucket struct {
	Key              BucketKey      `json:"key"`
	BucketStart      time.Time      `json:"bucket_start"`
	BytesIn          int64          `json:"bytes_in"`
	BytesOut         int64          `json:"bytes_out"`
	OpenConnections  int            `json:"open_connections"`
	ConnectionOpens  int            `json:"connection_opens"`
	ConnectionCloses int            `json:"connection_closes"`
	SourceIPs        *DistinctSet   `json:"source_ips,omitempty"`
	DestinationHosts *DistinctSet   `json:"destination_hosts,omitempty"`
	RiskHits         map[string]int `json:"risk_hits,omitempty"`
	Sealed           bool           `json:"sealed"`
}

// TotalBytes returns the combined transfer volume of the bucket
func (b *Bucket) TotalBytes() int64 {
	return b.BytesIn + b.BytesOut
}

// BucketEnd returns the exclusive end of the bucket's time slot
func (b *Bucket) BucketEnd(width time.Duration) time.Time {
	return b.BucketStart.Add(width)
}
