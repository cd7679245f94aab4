package alert

import (
	"fmt"
	"strings"

	"xray-guard/internal/model"

	"github.com/sirupsen/logrus"
)

// LogAlertNotifier sends decisions to local logs
type LogAlertNotifier struct {
	logger *logrus.Logger
}

// NewLogAlertNotifier creates a new log alert notifier
func NewLogAlertNotifier(logger *logrus.Logger) *LogAlertNotifier {
	return &LogAlertNotifier{
		logger: logger,
	}
}

func (ln *LogAlertNotifier) Name() string {
	return "log"
}

// SendAlert implements Notifier interface - sends decision to logs
func (ln *LogAlertNotifier) SendAlert(decision model.Decision) error {
	ln.logger.WithFields(logrus.Fields{
		"decision_id": decision.ID,
		"client":      decision.ClientID,
		"tier":        decision.Tier,
		"buckets":     decision.Evidence.Buckets,
	}).Warnf("DECISION [%s] client %s: %s", strings.ToUpper(string(decision.Kind)), decision.ClientID, FormatTriggeredRules(decision.TriggeredRules))
	return nil
}

// FormatTriggeredRules renders the breached rules as "dimension=measured>threshold"
// pairs for log lines and notification bodies.
func FormatTriggeredRules(rules []model.TriggeredRule) string {
	if len(rules) == 0 {
		return "no rules triggered"
	}
	parts := make([]string, 0, len(rules))
	for _, r := range rules {
		parts = append(parts, fmt.Sprintf("%s=%s>%s", r.Rule, formatMeasure(r.Measured), formatMeasure(r.Threshold)))
	}
	return strings.Join(parts, ", ")
}

func formatMeasure(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
