package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"xray-guard/internal/model"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// matches both "2006/01/02 15:04:05 1.2.3.4:56 accepted ..." and the
	// variant with a leading "from" before the source address
	textLinePattern = regexp.MustCompile(`^(\d{4}/\d{2}/\d{2})\s+(\d{2}:\d{2}:\d{2}(?:\.\d+)?)\s+(?:from\s+)?(\S+)\s+(accepted|rejected)\s+(\S+)(?:\s+\[([^\]]+)\])?(?:\s+(.*))?$`)
	keyPattern      = regexp.MustCompile(`(^|\s)([A-Za-z0-9_\-]+):\s*`)
	emailPattern    = regexp.MustCompile(`email:\s*(\S+)`)
	addrPattern     = regexp.MustCompile(`\[([^\]]+)\]|(\d+\.\d+\.\d+\.\d+)`)
)

// XrayLogWatcher tails the Xray access log and parses appended records.
//
// The parser supports both structured JSON logs and the plain text format,
// following the documented fields in
// https://xtls.github.io/config/log.html#logobject.
type XrayLogWatcher struct {
	path         string
	jsonFormat   bool
	scanInterval time.Duration
	metrics      *PrometheusMetrics
	logger       *logrus.Logger

	offset int64
}

// NewXrayLogWatcher creates a watcher over the access log at path
func NewXrayLogWatcher(path string, jsonFormat bool, scanInterval time.Duration, metrics *PrometheusMetrics, logger *logrus.Logger) *XrayLogWatcher {
	return &XrayLogWatcher{
		path:         path,
		jsonFormat:   jsonFormat,
		scanInterval: scanInterval,
		metrics:      metrics,
		logger:       logger,
		offset:       -1,
	}
}

// Run scans the access log on the configured interval, passing each parsed
// entry to handler, until the context is cancelled. Lines already present
// when Run starts are skipped.
func (w *XrayLogWatcher) Run(ctx context.Context, handler func(model.AccessEntry)) error {
	if err := w.prime(); err != nil {
		w.logger.Warnf("Access log not readable yet: %v", err)
	}

	w.logger.Infof("Watching Xray access log %s every %s", w.path, w.scanInterval)

	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.scan(handler); err != nil {
				w.metrics.RecordCollectorError("access_log")
				w.logger.Errorf("Access log scan failed: %v", err)
			}
		}
	}
}

// prime positions the watcher at the current end of the log so only lines
// appended after startup are delivered. A missing file starts at the
// beginning once it appears.
func (w *XrayLogWatcher) prime() error {
	if w.offset >= 0 {
		return nil
	}
	info, err := os.Stat(w.path)
	if err != nil {
		w.offset = 0
		return err
	}
	w.offset = info.Size()
	return nil
}

func (w *XrayLogWatcher) scan(handler func(model.AccessEntry)) error {
	if w.offset < 0 {
		if err := w.prime(); err != nil {
			return err
		}
	}

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to open access log %s: %v", w.path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat access log %s: %v", w.path, err)
	}
	if info.Size() < w.offset {
		w.logger.Infof("Access log %s rotated, restarting from the beginning", w.path)
		w.offset = 0
	}

	if _, err := file.Seek(w.offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek access log %s: %v", w.path, err)
	}

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// a partial trailing line stays unconsumed until it is completed
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read access log %s: %v", w.path, err)
		}
		w.offset += int64(len(line))
		if entry, ok := w.ParseLine(line); ok {
			handler(entry)
		}
	}
}

// Snapshot parses the most recent limit lines of the access log. A limit of
// zero or less returns every line.
func (w *XrayLogWatcher) Snapshot(limit int) ([]model.AccessEntry, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read access log %s: %v", w.path, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}

	entries := make([]model.AccessEntry, 0, len(lines))
	for _, line := range lines {
		if entry, ok := w.ParseLine(line); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// ParseLine parses one access log line. The boolean reports whether the line
// produced a usable entry; blank lines, unparseable records and synthetic
// panel API traffic are dropped.
func (w *XrayLogWatcher) ParseLine(line string) (model.AccessEntry, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.AccessEntry{}, false
	}

	if w.jsonFormat {
		return w.parseJSONRecord(line)
	}

	if entry, ok := w.parseTextLine(line); ok {
		return entry, true
	}

	// panels that relay the access log deliver JSON records even when the
	// log itself is configured as plain text
	return w.parseJSONRecord(line)
}

func (w *XrayLogWatcher) parseTextLine(line string) (model.AccessEntry, bool) {
	m := textLinePattern.FindStringSubmatch(line)
	if m == nil {
		return model.AccessEntry{}, false
	}

	entry := model.AccessEntry{
		Status: m[4],
		Target: m[5],
		Metadata: map[string]string{
			"source": m[3],
		},
	}
	entry.Timestamp = parseLogTimestamp(m[1], m[2])
	entry.SourceIP = extractAddress(m[3])

	if rest := strings.TrimSpace(m[7]); rest != "" {
		pairs, leftover := splitKeyValues(rest)
		reason := ""
		for _, kv := range pairs {
			switch strings.ToLower(kv[0]) {
			case "email":
				entry.Email = kv[1]
			case "reason":
				reason = kv[1]
			default:
				entry.Metadata[kv[0]] = kv[1]
			}
		}
		if reason == "" {
			reason = leftover
		}
		if reason != "" {
			entry.Metadata["reason"] = reason
		}
		if entry.Email == "" {
			if em := emailPattern.FindStringSubmatch(rest); em != nil {
				entry.Email = em[1]
			}
		}
	}

	if detour := m[6]; detour != "" {
		entry.Metadata["detour"] = detour
		// detours appear both as "inbound -> outbound" and "inbound >> outbound"
		separator := " -> "
		if !strings.Contains(detour, separator) {
			separator = " >> "
		}
		if inbound, outbound, ok := strings.Cut(detour, separator); ok {
			entry.Inbound = strings.TrimSpace(inbound)
			entry.Outbound = strings.TrimSpace(outbound)
		} else {
			entry.Inbound = strings.TrimSpace(detour)
		}
	}

	entry.Transport, entry.Host, entry.Port = splitTargetFields(entry.Target)

	if w.isInternalAPILog(entry) {
		return model.AccessEntry{}, false
	}
	return entry, true
}

func (w *XrayLogWatcher) parseJSONRecord(line string) (model.AccessEntry, bool) {
	var record map[string]interface{}
	if err := json.UnmarshalFromString(line, &record); err != nil {
		return model.AccessEntry{}, false
	}

	entry := model.AccessEntry{
		Email:    extractRecordEmail(record),
		Target:   extractRecordTarget(record),
		Status:   stringField(record, "status", "action", "event"),
		BytesIn:  numericField(record, "uplink", "upLink", "uplinkBytes", "uplink_bytes", "up"),
		BytesOut: numericField(record, "downlink", "downLink", "downlinkBytes", "downlink_bytes", "down"),
		Metadata: flattenRecord(record),
	}

	if ip := extractRecordIP(record); ip != "" {
		entry.SourceIP = extractAddress(ip)
	}

	// records relayed without a status field are one-per-connection accept events
	if entry.Status == "" {
		entry.Status = "accepted"
	}

	if traffic, ok := record["traffic"].(map[string]interface{}); ok {
		if entry.BytesIn == 0 {
			entry.BytesIn = numericField(traffic, "uplink", "upLink", "uplinkBytes", "uplink_bytes", "up")
		}
		if entry.BytesOut == 0 {
			entry.BytesOut = numericField(traffic, "downlink", "downLink", "downlinkBytes", "downlink_bytes", "down")
		}
	}

	entry.Timestamp = extractRecordTimestamp(record)
	entry.Transport, entry.Host, entry.Port = splitTargetFields(entry.Target)

	if w.isInternalAPILog(entry) {
		return model.AccessEntry{}, false
	}
	return entry, true
}

// isInternalAPILog reports whether the entry is synthetic loopback traffic
// from the panel's own management API calls routed through Xray. Those
// entries carry no customer traffic and would pollute the data set.
func (w *XrayLogWatcher) isInternalAPILog(entry model.AccessEntry) bool {
	detour := entry.Metadata["detour"]
	if detour == "" {
		detour = entry.Metadata["tag"]
	}
	if !strings.Contains(strings.ToLower(detour), "api") {
		return false
	}

	if entry.Host != "" && isLoopback(entry.Host) {
		return true
	}
	if source := entry.Metadata["source"]; source != "" && isLoopback(source) {
		return true
	}
	return entry.SourceIP != "" && isLoopback(entry.SourceIP)
}

func isLoopback(value string) bool {
	address := extractAddress(value)
	if address == "" {
		return false
	}
	if strings.EqualFold(address, "localhost") {
		return true
	}
	return strings.HasPrefix(address, "127.") || address == "::1"
}

// extractAddress pulls the bare address out of "host:port" shaped values,
// including bracketed IPv6 forms.
func extractAddress(value string) string {
	if m := addrPattern.FindStringSubmatch(value); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[2]
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		return host
	}
	if i := strings.Index(value, ":"); i >= 0 {
		return value[:i]
	}
	return value
}

// splitKeyValues splits a "key: value key: value" trailer into pairs. Text
// before the first key is returned as leftover.
func splitKeyValues(rest string) ([][2]string, string) {
	matches := keyPattern.FindAllStringSubmatchIndex(rest, -1)
	if len(matches) == 0 {
		return nil, strings.TrimSpace(rest)
	}

	leftover := strings.TrimSpace(rest[:matches[0][0]])
	pairs := make([][2]string, 0, len(matches))
	for i, m := range matches {
		key := rest[m[4]:m[5]]
		valueEnd := len(rest)
		if i+1 < len(matches) {
			valueEnd = matches[i+1][0]
		}
		value := strings.TrimSpace(rest[m[1]:valueEnd])
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs, leftover
}

// splitTargetFields splits targets such as "tcp:example.com:443" into their
// transport, host and port components.
func splitTargetFields(value string) (transport, host string, port int) {
	remainder := value
	for _, prefix := range []string{"tcp:", "udp:", "unix:"} {
		if strings.HasPrefix(remainder, prefix) {
			transport = strings.TrimSuffix(prefix, ":")
			remainder = remainder[len(prefix):]
			break
		}
	}

	host = remainder
	if strings.HasPrefix(remainder, "[") {
		if end := strings.Index(remainder, "]"); end != -1 {
			host = remainder[1:end]
			rest := remainder[end+1:]
			if strings.HasPrefix(rest, ":") {
				if p, err := strconv.Atoi(rest[1:]); err == nil && p >= 0 {
					port = p
				}
			}
		}
	} else if i := strings.LastIndex(remainder, ":"); i != -1 {
		if p, err := strconv.Atoi(remainder[i+1:]); err == nil && p >= 0 {
			host = remainder[:i]
			port = p
		}
	}
	return transport, host, port
}

func parseLogTimestamp(date, clock string) time.Time {
	// time.Parse accepts an optional fractional second after the seconds
	// field without a layout directive
	ts, err := time.ParseInLocation("2006/01/02 15:04:05", date+" "+clock, time.UTC)
	if err != nil {
		return time.Now().UTC()
	}
	return ts
}

func extractRecordTimestamp(record map[string]interface{}) time.Time {
	for _, key := range []string{"timestamp", "time", "event_time", "ts"} {
		value, ok := record[key].(string)
		if !ok || value == "" {
			continue
		}
		if ts, ok := parseGenericTimestamp(value); ok {
			return ts
		}
	}
	return time.Now().UTC()
}

func parseGenericTimestamp(value string) (time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return ts.UTC(), true
	}
	if ts, err := time.ParseInLocation("2006/01/02 15:04:05", trimmed, time.UTC); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

func extractRecordEmail(record map[string]interface{}) string {
	if email := stringField(record, "email", "Email", "user", "clientEmail", "client"); email != "" {
		return email
	}
	if email := nestedString(record, "session", "email", "user"); email != "" {
		return email
	}
	return nestedString(record, "account", "email")
}

func extractRecordIP(record map[string]interface{}) string {
	if ip := stringField(record, "ip", "IP", "remote", "remote_addr", "clientIP", "FromAddress", "from"); ip != "" {
		return ip
	}
	return nestedString(record, "session", "ip")
}

func extractRecordTarget(record map[string]interface{}) string {
	if target := stringField(record, "target", "ToAddress", "to", "destination", "request"); target != "" {
		return target
	}
	return nestedString(record, "session", "target")
}

func stringField(record map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if value, ok := record[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func nestedString(record map[string]interface{}, parent string, keys ...string) string {
	nested, ok := record[parent].(map[string]interface{})
	if !ok {
		return ""
	}
	return stringField(nested, keys...)
}

func numericField(record map[string]interface{}, keys ...string) int64 {
	for _, key := range keys {
		switch value := record[key].(type) {
		case float64:
			return int64(value)
		case string:
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

// flattenRecord keeps the record's scalar fields so downstream consumers can
// reach the full entry. Nested structures are only used for extraction.
func flattenRecord(record map[string]interface{}) map[string]string {
	metadata := make(map[string]string, len(record))
	for key, value := range record {
		switch v := value.(type) {
		case string:
			metadata[key] = v
		case float64:
			metadata[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			metadata[key] = strconv.FormatBool(v)
		}
	}
	return metadata
}
