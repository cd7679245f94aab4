package alert

import (
	"io"
	"testing"
	"time"

	"xray-guard/internal/model"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sampleDecision(kind model.DecisionKind) model.Decision {
	decidedAt := time.Date(2026, 8, 21, 12, 1, 0, 0, time.UTC)
	return model.Decision{
		ID:       "d-123",
		Kind:     kind,
		ClientID: "alice@example.com",
		Tier:     "standard",
		TriggeredRules: []model.TriggeredRule{
			{Rule: "distinct_subnets", Measured: 15, Threshold: 10},
		},
		Evidence: model.Evidence{
			From:         decidedAt.Add(-time.Minute),
			To:           decidedAt,
			Buckets:      6,
			Measurements: map[string]float64{"distinct_subnets": 15},
		},
		DecidedAt: decidedAt,
	}
}

func TestFormatDecisionMessageDefault(t *testing.T) {
	tn := NewTelegramNotifier("token", []string{"42"}, "Markdown", true, true, true, testLogger())

	message := tn.formatDecisionMessage(sampleDecision(model.DecisionBlock))

	assert.Contains(t, message, "DECISION ISSUED")
	assert.Contains(t, message, "decision: BLOCK")
	assert.Contains(t, message, "client: alice@example.com")
	assert.Contains(t, message, "tier: standard")
	assert.Contains(t, message, "distinct_subnets=15>10")
	assert.Contains(t, message, "6 buckets")
}

func TestFormatDecisionMessageEmptyEvidence(t *testing.T) {
	tn := NewTelegramNotifier("token", []string{"42"}, "", true, true, true, testLogger())

	decision := sampleDecision(model.DecisionWarn)
	decision.Evidence = model.Evidence{}

	assert.Contains(t, tn.formatDecisionMessage(decision), "no recent aggregates")
}

func TestFormatDecisionMessageTemplate(t *testing.T) {
	tmpl := `{{ .ClientID }} got {{ .Kind }} ({{ formatRules .TriggeredRules }}) at {{ formatTime .DecidedAt "15:04" }}`
	tn := NewTelegramNotifierWithTemplate("token", []string{"42"}, "", true, true, true, tmpl, testLogger())

	message := tn.formatDecisionMessage(sampleDecision(model.DecisionBlock))

	assert.Equal(t, "alice@example.com got block (distinct_subnets=15>10) at 12:01", message)
}

func TestInvalidTemplateFallsBackToDefault(t *testing.T) {
	tn := NewTelegramNotifierWithTemplate("token", []string{"42"}, "", true, true, true, "{{ .Broken", testLogger())

	require.Nil(t, tn.messageTemplate)
	assert.Contains(t, tn.formatDecisionMessage(sampleDecision(model.DecisionWarn)), "DECISION ISSUED")
}

func TestSendAlertHonorsKindFlags(t *testing.T) {
	// warn notifications off: the warn is dropped before any request is made
	tn := NewTelegramNotifier("token", []string{"42"}, "", true, false, true, testLogger())
	assert.NoError(t, tn.SendAlert(sampleDecision(model.DecisionWarn)))

	// block notifications off likewise
	tn = NewTelegramNotifier("token", []string{"42"}, "", true, true, false, testLogger())
	assert.NoError(t, tn.SendAlert(sampleDecision(model.DecisionBlock)))

	// disabled notifier drops everything
	tn = NewTelegramNotifier("token", []string{"42"}, "", false, true, true, testLogger())
	assert.NoError(t, tn.SendAlert(sampleDecision(model.DecisionBlock)))
	assert.Error(t, tn.SendTestMessage())
}

func TestFormatTriggeredRules(t *testing.T) {
	assert.Equal(t, "no rules triggered", FormatTriggeredRules(nil))

	rules := []model.TriggeredRule{
		{Rule: "connection_count", Measured: 121, Threshold: 120},
		{Rule: "burst_bytes_per_sec", Measured: 1048576.5, Threshold: 1048576},
	}
	assert.Equal(t, "connection_count=121>120, burst_bytes_per_sec=1048576.50>1048576", FormatTriggeredRules(rules))
}
