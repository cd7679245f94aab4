package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"xray-guard/internal/model"

	"github.com/sirupsen/logrus"
)

type TelegramNotifier struct {
	botToken        string
	chatIDs         []string
	parseMode       string
	enabled         bool
	notifyOnWarn    bool
	notifyOnBlock   bool
	messageTemplate *template.Template
	client          *http.Client
	logger          *logrus.Logger
}

type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type TelegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

func NewTelegramNotifier(botToken string, chatIDs []string, parseMode string, enabled, notifyOnWarn, notifyOnBlock bool, logger *logrus.Logger) *TelegramNotifier {
	return NewTelegramNotifierWithTemplate(botToken, chatIDs, parseMode, enabled, notifyOnWarn, notifyOnBlock, "", logger)
}

func NewTelegramNotifierWithTemplate(botToken string, chatIDs []string, parseMode string, enabled, notifyOnWarn, notifyOnBlock bool, messageTemplate string, logger *logrus.Logger) *TelegramNotifier {
	tn := &TelegramNotifier{
		botToken:      botToken,
		chatIDs:       chatIDs,
		parseMode:     parseMode,
		enabled:       enabled,
		notifyOnWarn:  notifyOnWarn,
		notifyOnBlock: notifyOnBlock,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}

	if strings.TrimSpace(messageTemplate) != "" {
		funcMap := template.FuncMap{
			"formatTime": func(t time.Time, layout string) string {
				return t.Format(layout)
			},
			"formatRules": FormatTriggeredRules,
		}
		tmpl, err := template.New("telegram_message").Funcs(funcMap).Parse(messageTemplate)
		if err != nil {
			logger.Warnf("Failed to parse Telegram message template: %v, using default format", err)
		} else {
			tn.messageTemplate = tmpl
		}
	}

	return tn
}

func (tn *TelegramNotifier) Name() string {
	return "telegram"
}

func (tn *TelegramNotifier) SendAlert(decision model.Decision) error {
	if !tn.enabled {
		tn.logger.Debug("Telegram notifier is disabled, skipping alert")
		return nil
	}

	switch decision.Kind {
	case model.DecisionWarn:
		if !tn.notifyOnWarn {
			tn.logger.Debugf("Warn notifications are disabled, skipping decision %s", decision.ID)
			return nil
		}
	case model.DecisionBlock:
		if !tn.notifyOnBlock {
			tn.logger.Debugf("Block notifications are disabled, skipping decision %s", decision.ID)
			return nil
		}
	}

	message := tn.formatDecisionMessage(decision)

	var failed int
	for _, chatID := range tn.chatIDs {
		if err := tn.sendWithRetry(chatID, message); err != nil {
			tn.logger.Errorf("Failed to deliver decision %s to chat %s: %v", decision.ID, chatID, err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("failed to deliver alert to %d of %d chats", failed, len(tn.chatIDs))
	}
	return nil
}

func (tn *TelegramNotifier) sendWithRetry(chatID, text string) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		err := tn.sendMessage(chatID, text)
		if err == nil {
			return nil
		}

		tn.logger.Warnf("Failed to send alert (attempt %d/%d): %v", i+1, maxRetries, err)

		if i < maxRetries-1 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}

	return fmt.Errorf("failed to send alert after %d attempts", maxRetries)
}

func (tn *TelegramNotifier) formatDecisionMessage(decision model.Decision) string {
	if tn.messageTemplate != nil {
		var buf bytes.Buffer
		err := tn.messageTemplate.Execute(&buf, decision)
		if err != nil {
			tn.logger.Warnf("Failed to execute message template: %v, using default format", err)
		} else {
			return buf.String()
		}
	}

	timestamp := decision.DecidedAt.Format("2006-01-02 15:04:05")

	evidence := "no recent aggregates"
	if !decision.Evidence.Empty() {
		evidence = fmt.Sprintf("%d buckets from %s to %s",
			decision.Evidence.Buckets,
			decision.Evidence.From.Format("15:04:05"),
			decision.Evidence.To.Format("15:04:05"))
		if decision.Evidence.Capped {
			evidence += " (distinct counts capped)"
		}
	}

	message := fmt.Sprintf("DECISION ISSUED: Xray Guard\n\n"+
		"decision: %s\n"+
		"client: %s\n"+
		"tier: %s\n"+
		"time: %s\n"+
		"rules: %s\n"+
		"evidence: %s",
		strings.ToUpper(string(decision.Kind)),
		decision.ClientID,
		decision.Tier,
		timestamp,
		FormatTriggeredRules(decision.TriggeredRules),
		evidence)

	return message
}

func (tn *TelegramNotifier) sendMessage(chatID, text string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", tn.botToken)

	// Use empty parse_mode to avoid parsing errors with special characters
	parseMode := ""
	if tn.parseMode != "" && tn.parseMode != "Markdown" && tn.parseMode != "MarkdownV2" {
		parseMode = tn.parseMode
	}

	message := TelegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: parseMode,
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %v", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := tn.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	var telegramResp TelegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&telegramResp); err != nil {
		return fmt.Errorf("failed to decode response: %v", err)
	}

	if !telegramResp.OK {
		return fmt.Errorf("telegram API error: %s", telegramResp.Description)
	}

	tn.logger.Infof("Alert sent to Telegram successfully")
	return nil
}

func (tn *TelegramNotifier) SendTestMessage() error {
	if !tn.enabled {
		return fmt.Errorf("telegram notifier is disabled")
	}

	message := "Test Message\n\nXray Guard is working correctly!"
	for _, chatID := range tn.chatIDs {
		if err := tn.sendMessage(chatID, message); err != nil {
			return err
		}
	}
	return nil
}

func (tn *TelegramNotifier) IsEnabled() bool {
	return tn.enabled
}
