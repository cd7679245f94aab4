package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"xray-guard/internal/aggregate"
	"xray-guard/internal/alert"
	"xray-guard/internal/apiserver"
	"xray-guard/internal/client"
	"xray-guard/internal/dispatch"
	"xray-guard/internal/model"
	"xray-guard/internal/pipeline"
	"xray-guard/internal/rules"
	"xray-guard/internal/utils"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var configFlag = cli.StringFlag{
	Name:  "config, c",
	Usage: "configuration file to load",
	Value: "configs/watchdog.yaml",
}

func commands() []cli.Command {
	return []cli.Command{
		{
			Name:   "run",
			Usage:  "run the watchdog daemon",
			Flags:  []cli.Flag{configFlag},
			Action: runDaemon,
		},
		{
			Name:  "collect-once",
			Usage: "print a one-shot snapshot of the access log and panel clients",
			Flags: []cli.Flag{
				configFlag,
				cli.IntFlag{
					Name:  "xray-limit, n",
					Usage: "number of access log lines to parse from the tail",
					Value: 20,
				},
				cli.BoolFlag{
					Name:  "include-client-ips",
					Usage: "also fetch the recorded addresses for each panel client",
				},
				cli.StringFlag{
					Name:  "format, f",
					Usage: "output format: table or json",
					Value: "table",
				},
			},
			Action: collectOnce,
		},
		{
			Name:  "check-config",
			Usage: "validate a configuration file and print its effective settings",
			Flags: []cli.Flag{
				configFlag,
				cli.BoolFlag{
					Name:  "probe-telegram",
					Usage: "send a test message through the configured Telegram channel",
				},
			},
			Action: checkConfig,
		},
	}
}

// loadConfig loads the configuration at path. A missing file falls back to
// the built-in defaults; a file that exists but fails validation is fatal.
func loadConfig(path string) (*utils.WatchdogConfig, error) {
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("Config file %s not found\n", path)
		fmt.Println("Using default configuration...")
		return utils.GetDefaultWatchdogConfig(), nil
	}
	config, err := utils.LoadWatchdogConfig(path)
	if err != nil {
		return nil, fmt.Errorf("config %s is invalid: %v", path, err)
	}
	fmt.Printf("Loaded configuration from %s\n", path)
	return config, nil
}

func runDaemon(c *cli.Context) error {
	config, err := loadConfig(c.String("config"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	fmt.Printf("Xray Guard v%s\n", getVersion())
	fmt.Printf("Node: %s\n", config.Application.NodeName)
	fmt.Printf("Access log: %s\n", config.Xray.AccessLogPath)
	if config.Xray.StatsEnabled {
		fmt.Printf("Stats API: %s\n", config.Xray.StatsServer)
	}
	fmt.Println("")

	logger := utils.NewLoggerFromConfig(config.Logging)

	metrics := client.NewPrometheusMetrics()
	exporter, err := alert.NewPrometheusExporter(config.Application.MetricsPort, metrics, logger)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("failed to create Prometheus exporter: %v", err), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := exporter.Start(ctx); err != nil {
			logger.Errorf("Prometheus exporter error: %v", err)
		}
	}()

	store := aggregate.NewWindowStore(time.Duration(config.Aggregation.Retention), metrics, logger)
	classifier := aggregate.NewDomainClassifier(config.RiskDomains)
	aggregator := aggregate.NewAggregator(time.Duration(config.Aggregation.BucketWidth),
		config.Aggregation.DistinctCap, classifier, store, metrics, logger)
	engine := rules.NewEngine(store, config.PolicySet(), time.Duration(config.Aggregation.BucketWidth), metrics, logger)

	dispatcher := dispatch.NewDispatcher(engine.GetDecisionChannel(), metrics, logger)
	registerNotifiers(dispatcher, config, logger)

	apiStore := apiserver.NewStorage(logger)
	dispatcher.RegisterSink(apiStore)

	if config.XUI.Enabled {
		panel, err := newPanelClient(config, metrics, logger)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("failed to create panel client: %v", err), 1)
		}

		testCtx, testCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := panel.TestConnection(testCtx); err != nil {
			fmt.Printf("Warning: panel connection test failed: %v\n", err)
		}
		testCancel()

		dispatcher.SetBanExecutor(panel)
	}

	handlers := apiserver.NewHandlers(apiStore, store, engine, config.Application.NodeName, logger)
	statusServer := apiserver.NewServer(config.Application.StatusPort, handlers, logger)
	go func() {
		if err := statusServer.Start(ctx); err != nil {
			logger.Errorf("Status API error: %v", err)
		}
	}()

	watcher := client.NewXrayLogWatcher(
		config.Xray.AccessLogPath,
		config.Xray.JSONFormat,
		time.Duration(config.Xray.LogScanInterval),
		metrics,
		logger,
	)

	var stats pipeline.StatsCollector
	if config.Xray.StatsEnabled {
		statsClient, err := client.NewXrayStatsClient(config.Xray.StatsServer, metrics, logger)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("failed to create Xray stats client: %v", err), 1)
		}
		defer statsClient.Close()

		testCtx, testCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := statsClient.TestConnection(testCtx); err != nil {
			fmt.Printf("Warning: stats connection test failed: %v\n", err)
		}
		testCancel()

		stats = statsClient
	}

	processor := pipeline.NewProcessor(watcher, stats, aggregator, store, engine, dispatcher, pipeline.Options{
		PollInterval:     time.Duration(config.Xray.PollInterval),
		FlushInterval:    time.Duration(config.Aggregation.FlushInterval),
		EvictionInterval: time.Duration(config.Aggregation.EvictionInterval),
		EvalInterval:     time.Duration(config.Evaluation.Interval),
		Attribution:      config.Xray.IPAttribution,
	}, metrics, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	return processor.Run(ctx)
}

func registerNotifiers(dispatcher *dispatch.Dispatcher, config *utils.WatchdogConfig, logger *logrus.Logger) {
	if config.Alerting.Channels.Log {
		dispatcher.RegisterNotifier(alert.NewLogAlertNotifier(logger))
	}

	if config.Alerting.Channels.Telegram && config.Alerting.Telegram.Enabled {
		tg := config.Alerting.Telegram
		dispatcher.RegisterNotifier(alert.NewTelegramNotifierWithTemplate(
			tg.BotToken,
			tg.ChatIDs,
			tg.ParseMode,
			tg.Enabled,
			tg.NotifyOnWarn,
			tg.NotifyOnBlock,
			tg.MessageTemplate,
			logger,
		))
	}
}

func newPanelClient(config *utils.WatchdogConfig, metrics *client.PrometheusMetrics, logger *logrus.Logger) (*client.XUIClient, error) {
	return client.NewXUIClientWithTimeout(
		config.XUI.BaseURL,
		config.XUI.Username,
		config.XUI.Password,
		config.XUI.InsecureSkipVerify,
		config.XUI.DryRun,
		time.Duration(config.XUI.Timeout),
		metrics,
		logger,
	)
}

type panelClientReport struct {
	model.ClientRecord
	IPs []string `json:"ips,omitempty"`
}

type collectReport struct {
	Node    string              `json:"node"`
	Entries []model.AccessEntry `json:"access_entries"`
	Clients []panelClientReport `json:"panel_clients,omitempty"`
}

func collectOnce(c *cli.Context) error {
	config, err := loadConfig(c.String("config"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	logger := utils.NewLoggerFromConfig(config.Logging)

	watcher := client.NewXrayLogWatcher(
		config.Xray.AccessLogPath,
		config.Xray.JSONFormat,
		time.Duration(config.Xray.LogScanInterval),
		nil,
		logger,
	)
	entries, err := watcher.Snapshot(c.Int("xray-limit"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("failed to read access log: %v", err), 1)
	}

	report := collectReport{Node: config.Application.NodeName, Entries: entries}

	if config.XUI.Enabled {
		panel, err := newPanelClient(config, nil, logger)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("failed to create panel client: %v", err), 1)
		}

		ctx := context.Background()
		records, err := panel.ListClients(ctx)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("failed to list panel clients: %v", err), 1)
		}
		for _, record := range records {
			entry := panelClientReport{ClientRecord: record}
			if c.Bool("include-client-ips") {
				ips, err := panel.ClientIPs(ctx, record.Email)
				if err != nil {
					logger.Warnf("Failed to fetch addresses for %s: %v", record.Email, err)
				} else {
					entry.IPs = ips
				}
			}
			report.Clients = append(report.Clients, entry)
		}
	}

	if c.String("format") == "json" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		fmt.Println(string(data))
		return nil
	}

	printAccessTable(report.Entries)
	if len(report.Clients) > 0 {
		fmt.Println("")
		printClientTable(report.Clients)
	}
	return nil
}

func printAccessTable(entries []model.AccessEntry) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Time", "Email", "Source", "Status", "Target", "Outbound"})

	for _, entry := range entries {
		table.Append([]string{
			entry.Timestamp.Format("15:04:05"),
			entry.Email,
			entry.SourceIP,
			entry.Status,
			entry.Target,
			entry.Outbound,
		})
	}
	table.Render()
}

func printClientTable(clients []panelClientReport) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Email", "Inbound", "Enabled", "Up", "Down", "IPs"})

	for _, record := range clients {
		table.Append([]string{
			record.Email,
			strconv.Itoa(record.InboundID),
			strconv.FormatBool(record.Enable),
			formatBytes(record.TotalUp),
			formatBytes(record.TotalDown),
			strings.Join(record.IPs, ", "),
		})
	}
	table.Render()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func checkConfig(c *cli.Context) error {
	path := c.String("config")
	config, err := utils.LoadWatchdogConfig(path)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("config %s is invalid: %v", path, err), 1)
	}

	fmt.Printf("Config %s is valid\n\n", path)
	fmt.Printf("Node:        %s\n", config.Application.NodeName)
	fmt.Printf("Status API:  :%s\n", config.Application.StatusPort)
	fmt.Printf("Metrics:     :%s\n", config.Application.MetricsPort)
	fmt.Printf("Access log:  %s", config.Xray.AccessLogPath)
	if config.Xray.JSONFormat {
		fmt.Print(" (json)")
	}
	fmt.Println("")
	if config.Xray.StatsEnabled {
		fmt.Printf("Stats API:   %s every %s\n", config.Xray.StatsServer, config.Xray.PollInterval)
	} else {
		fmt.Println("Stats API:   disabled")
	}
	if config.XUI.Enabled {
		mode := "enforcing"
		if config.XUI.DryRun {
			mode = "dry run"
		}
		fmt.Printf("Panel:       %s (%s)\n", config.XUI.BaseURL, mode)
	} else {
		fmt.Println("Panel:       disabled")
	}
	fmt.Printf("Aggregation: %s buckets, %s retention\n", config.Aggregation.BucketWidth, config.Aggregation.Retention)

	policies := config.PolicySet()
	tierNames := make([]string, 0, len(policies.Tiers))
	for name := range policies.Tiers {
		tierNames = append(tierNames, name)
	}
	sort.Strings(tierNames)
	fmt.Printf("Policies:    default tier %q\n", policies.DefaultTier)
	for _, name := range tierNames {
		tier := policies.Tiers[name]
		fmt.Printf("  %s: %d rules, cooldown %s\n", name, len(tier.Rules), tier.Cooldown)
	}
	if len(policies.Overrides) > 0 {
		fmt.Printf("  %d client tier overrides\n", len(policies.Overrides))
	}

	channels := make([]string, 0, 2)
	if config.Alerting.Channels.Log {
		channels = append(channels, "log")
	}
	if config.Alerting.Channels.Telegram && config.Alerting.Telegram.Enabled {
		channels = append(channels, "telegram")
	}
	if len(channels) == 0 {
		channels = append(channels, "none")
	}
	fmt.Printf("Alerting:    %s\n", strings.Join(channels, ", "))

	if c.Bool("probe-telegram") {
		tg := config.Alerting.Telegram
		if !config.Alerting.Channels.Telegram || !tg.Enabled {
			return cli.NewExitError("telegram channel is not enabled in this config", 1)
		}
		logger := utils.NewLoggerFromConfig(config.Logging)
		notifier := alert.NewTelegramNotifier(tg.BotToken, tg.ChatIDs, tg.ParseMode, tg.Enabled, tg.NotifyOnWarn, tg.NotifyOnBlock, logger)
		if err := notifier.SendTestMessage(); err != nil {
			return cli.NewExitError(fmt.Sprintf("telegram test message failed: %v", err), 1)
		}
		fmt.Println("Telegram test message sent")
	}

	return nil
}
