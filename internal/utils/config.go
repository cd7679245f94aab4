package utils

import (
	"fmt"
	"strings"
	"time"

	"xray-guard/internal/model"
	"xray-guard/internal/rules"

	"github.com/creasty/defaults"
	prommodel "github.com/prometheus/common/model"
)

// WatchdogConfig is the top-level YAML configuration for the watchdog daemon
type WatchdogConfig struct {
	Application ApplicationConfig    `yaml:"application"`
	Xray        XrayConfig           `yaml:"xray"`
	XUI         XUIConfig            `yaml:"xui"`
	Aggregation AggregationConfig    `yaml:"aggregation"`
	Evaluation  EvaluationConfig     `yaml:"evaluation"`
	Policies    PoliciesConfig       `yaml:"policies"`
	RiskDomains []model.RiskCategory `yaml:"risk_domains,omitempty"`
	Alerting    AlertingConfig       `yaml:"alerting"`
	Logging     LoggingConfig        `yaml:"logging"`

	policySet *model.PolicySet
}

// ApplicationConfig identifies the node and its listening ports
type ApplicationConfig struct {
	NodeName    string `yaml:"node_name" default:"xray-node"`
	StatusPort  string `yaml:"status_port" default:"5001"`
	MetricsPort string `yaml:"metrics_port" default:"8080"`
}

// XrayConfig configures the access log and stats API collectors
type XrayConfig struct {
	AccessLogPath   string             `yaml:"access_log_path" default:"/usr/local/x-ui/access.log"`
	JSONFormat      bool               `yaml:"json_format"`
	LogScanInterval prommodel.Duration `yaml:"log_scan_interval"`
	StatsEnabled    bool               `yaml:"stats_enabled" default:"true"`
	StatsServer     string             `yaml:"stats_server" default:"127.0.0.1:10085"`
	PollInterval    prommodel.Duration `yaml:"poll_interval"`
	IPAttribution   string             `yaml:"ip_attribution" default:"proportional"`
}

// XUIConfig configures the 3x-ui panel client used for enforcement
type XUIConfig struct {
	Enabled            bool               `yaml:"enabled"`
	BaseURL            string             `yaml:"base_url"`
	Username           string             `yaml:"username"`
	Password           string             `yaml:"password"`
	Timeout            prommodel.Duration `yaml:"timeout"`
	InsecureSkipVerify bool               `yaml:"insecure_skip_verify"`
	DryRun             bool               `yaml:"dry_run"`
}

// AggregationConfig configures bucket folding and window retention
type AggregationConfig struct {
	BucketWidth      prommodel.Duration `yaml:"bucket_width"`
	Retention        prommodel.Duration `yaml:"retention"`
	DistinctCap      int                `yaml:"distinct_cap" default:"256"`
	FlushInterval    prommodel.Duration `yaml:"flush_interval"`
	EvictionInterval prommodel.Duration `yaml:"eviction_interval"`
}

// EvaluationConfig configures the rule evaluation cadence
type EvaluationConfig struct {
	Interval prommodel.Duration `yaml:"interval"`
}

// PoliciesConfig holds the tiered rule policies applied to clients
type PoliciesConfig struct {
	DefaultTier string             `yaml:"default_tier" default:"standard"`
	Tiers       []model.PolicyTier `yaml:"tiers"`
	Overrides   map[string]string  `yaml:"overrides,omitempty"`
}

// AlertingConfig configures decision delivery channels
type AlertingConfig struct {
	Channels AlertChannelsConfig `yaml:"channels"`
	Telegram TelegramConfig      `yaml:"telegram"`
}

// AlertChannelsConfig toggles individual notifier channels
type AlertChannelsConfig struct {
	Log      bool `yaml:"log" default:"true"`
	Telegram bool `yaml:"telegram"`
}

// TelegramConfig configures the Telegram notifier
type TelegramConfig struct {
	Enabled         bool     `yaml:"enabled"`
	BotToken        string   `yaml:"bot_token"`
	ChatIDs         []string `yaml:"chat_ids,omitempty"`
	ParseMode       string   `yaml:"parse_mode" default:"Markdown"`
	NotifyOnWarn    bool     `yaml:"notify_on_warn" default:"true"`
	NotifyOnBlock   bool     `yaml:"notify_on_block" default:"true"`
	MessageTemplate string   `yaml:"message_template,omitempty"`
}

// LoggingConfig configures the logrus logger
type LoggingConfig struct {
	Level    string `yaml:"level" default:"INFO"`
	Format   string `yaml:"format" default:"text"`
	FilePath string `yaml:"file_path,omitempty"`
}

// Validate fills unset durations with defaults and rejects configurations
// the daemon cannot run with. It must be called before the config is used.
func (c *WatchdogConfig) Validate() error {
	if c.Application.NodeName == "" {
		c.Application.NodeName = "xray-node"
	}
	if c.Application.StatusPort == "" {
		c.Application.StatusPort = "5001"
	}
	if c.Application.MetricsPort == "" {
		c.Application.MetricsPort = "8080"
	}

	if c.Xray.AccessLogPath == "" {
		c.Xray.AccessLogPath = "/usr/local/x-ui/access.log"
	}
	if c.Xray.LogScanInterval <= 0 {
		c.Xray.LogScanInterval = prommodel.Duration(10 * time.Second)
	}
	if c.Xray.PollInterval <= 0 {
		c.Xray.PollInterval = prommodel.Duration(30 * time.Second)
	}
	if c.Xray.StatsEnabled && c.Xray.StatsServer == "" {
		return fmt.Errorf("xray stats server address cannot be empty when stats polling is enabled")
	}
	switch c.Xray.IPAttribution {
	case "":
		c.Xray.IPAttribution = "proportional"
	case "proportional", "uniform":
	default:
		return fmt.Errorf("unknown ip_attribution strategy %q (expected proportional or uniform)", c.Xray.IPAttribution)
	}

	if c.XUI.Timeout <= 0 {
		c.XUI.Timeout = prommodel.Duration(10 * time.Second)
	}
	if c.XUI.Enabled {
		if c.XUI.BaseURL == "" {
			return fmt.Errorf("xui base_url cannot be empty when the panel client is enabled")
		}
		if c.XUI.Username == "" || c.XUI.Password == "" {
			return fmt.Errorf("xui username and password are required when the panel client is enabled")
		}
	}

	if c.Aggregation.BucketWidth <= 0 {
		c.Aggregation.BucketWidth = prommodel.Duration(10 * time.Second)
	}
	if c.Aggregation.Retention <= 0 {
		c.Aggregation.Retention = prommodel.Duration(24 * time.Hour)
	}
	if time.Duration(c.Aggregation.Retention) < time.Duration(c.Aggregation.BucketWidth) {
		return fmt.Errorf("aggregation retention %s is shorter than the bucket width %s",
			c.Aggregation.Retention, c.Aggregation.BucketWidth)
	}
	if c.Aggregation.DistinctCap <= 0 {
		c.Aggregation.DistinctCap = 256
	}
	if c.Aggregation.FlushInterval <= 0 {
		c.Aggregation.FlushInterval = c.Aggregation.BucketWidth
	}
	if c.Aggregation.EvictionInterval <= 0 {
		c.Aggregation.EvictionInterval = prommodel.Duration(60 * time.Second)
	}

	if c.Evaluation.Interval <= 0 {
		c.Evaluation.Interval = c.Aggregation.BucketWidth
	}
	if time.Duration(c.Evaluation.Interval) < time.Duration(c.Aggregation.BucketWidth) {
		return fmt.Errorf("evaluation interval %s is finer than the bucket width %s",
			c.Evaluation.Interval, c.Aggregation.BucketWidth)
	}

	seen := make(map[string]bool)
	for i := range c.RiskDomains {
		category := &c.RiskDomains[i]
		if category.Name == "" {
			return fmt.Errorf("risk_domains: category %d has no name", i)
		}
		if seen[category.Name] {
			return fmt.Errorf("risk_domains: duplicate category %q", category.Name)
		}
		seen[category.Name] = true
		if len(category.Domains) == 0 {
			return fmt.Errorf("risk_domains: category %q lists no domains", category.Name)
		}
		for j, domain := range category.Domains {
			category.Domains[j] = strings.ToLower(strings.TrimSpace(domain))
		}
	}

	if err := c.validatePolicies(); err != nil {
		return err
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("telegram bot_token cannot be empty when telegram alerting is enabled")
		}
		if len(c.Alerting.Telegram.ChatIDs) == 0 {
			return fmt.Errorf("telegram chat_ids cannot be empty when telegram alerting is enabled")
		}
	}
	if c.Alerting.Telegram.ParseMode == "" {
		c.Alerting.Telegram.ParseMode = "Markdown"
	}

	c.Logging.Level = strings.ToUpper(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}

func (c *WatchdogConfig) validatePolicies() error {
	if c.Policies.DefaultTier == "" {
		c.Policies.DefaultTier = "standard"
	}
	if len(c.Policies.Tiers) == 0 {
		return fmt.Errorf("policies: at least one tier is required")
	}

	tiers := make(map[string]*model.PolicyTier, len(c.Policies.Tiers))
	for i := range c.Policies.Tiers {
		tier := &c.Policies.Tiers[i]
		if tier.Name == "" {
			return fmt.Errorf("policies: tier %d has no name", i)
		}
		if _, ok := tiers[tier.Name]; ok {
			return fmt.Errorf("policies: duplicate tier %q", tier.Name)
		}
		if tier.Cooldown < 0 {
			return fmt.Errorf("policies: tier %q has a negative cooldown", tier.Name)
		}
		if tier.Cooldown == 0 {
			tier.Cooldown = prommodel.Duration(5 * time.Minute)
		}
		for j := range tier.Rules {
			rule := &tier.Rules[j]
			if !rules.KnownDimension(rule.Dimension) {
				return fmt.Errorf("policies: tier %q rule %d references unknown dimension %q (known: %s)",
					tier.Name, j, rule.Dimension, strings.Join(rules.Dimensions(), ", "))
			}
			if !model.ValidDecisionKind(string(rule.Severity)) {
				return fmt.Errorf("policies: tier %q rule %q has invalid severity %q (expected warn or block)",
					tier.Name, rule.Dimension, rule.Severity)
			}
			if rule.Threshold < 0 {
				return fmt.Errorf("policies: tier %q rule %q has a negative threshold", tier.Name, rule.Dimension)
			}
			if rule.Dimension == rules.DimensionRepeatedWarning {
				rule.Lookback = 0
				continue
			}
			if rule.Lookback <= 0 {
				return fmt.Errorf("policies: tier %q rule %q requires a positive lookback", tier.Name, rule.Dimension)
			}
			if time.Duration(rule.Lookback) > time.Duration(c.Aggregation.Retention) {
				return fmt.Errorf("policies: tier %q rule %q lookback %s exceeds the retention %s",
					tier.Name, rule.Dimension, rule.Lookback, c.Aggregation.Retention)
			}
		}
		tiers[tier.Name] = tier
	}

	if _, ok := tiers[c.Policies.DefaultTier]; !ok {
		return fmt.Errorf("policies: default tier %q is not defined", c.Policies.DefaultTier)
	}
	for clientID, tierName := range c.Policies.Overrides {
		if _, ok := tiers[tierName]; !ok {
			return fmt.Errorf("policies: override for %q references undefined tier %q", clientID, tierName)
		}
	}

	c.policySet = &model.PolicySet{
		DefaultTier: c.Policies.DefaultTier,
		Tiers:       tiers,
		Overrides:   c.Policies.Overrides,
	}
	return nil
}

// PolicySet returns the validated policy set. It is only available after
// Validate has succeeded.
func (c *WatchdogConfig) PolicySet() *model.PolicySet {
	return c.policySet
}

// GetDefaultWatchdogConfig returns a runnable configuration with a single
// standard tier. Collectors point at the usual 3x-ui install paths.
func GetDefaultWatchdogConfig() *WatchdogConfig {
	cfg := &WatchdogConfig{}
	if err := defaults.Set(cfg); err != nil {
		panic("default watchdog config: " + err.Error())
	}

	cfg.Policies.Tiers = []model.PolicyTier{
		{
			Name:     "standard",
			Cooldown: prommodel.Duration(5 * time.Minute),
			Rules: []model.RuleSetting{
				{Dimension: "connection_count", Lookback: prommodel.Duration(time.Minute), Threshold: 120, Severity: model.DecisionWarn},
				{Dimension: "distinct_ips", Lookback: prommodel.Duration(10 * time.Minute), Threshold: 5, Severity: model.DecisionWarn},
				{Dimension: "distinct_subnets", Lookback: prommodel.Duration(time.Minute), Threshold: 10, Severity: model.DecisionBlock},
				{Dimension: "burst_bytes_per_sec", Lookback: prommodel.Duration(time.Minute), Threshold: 50 * 1024 * 1024, Severity: model.DecisionWarn},
				{Dimension: "repeated_warning", Threshold: 3, Severity: model.DecisionBlock},
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		panic("default watchdog config: " + err.Error())
	}
	return cfg
}
