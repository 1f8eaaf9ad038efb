package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/skylink-telemetry/skylink"
)

const version = "1.4.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := skylink.LoadConfigFromEnv()
	if err != nil {
		logrus.WithError(err).Warn("ignoring invalid SKYLINK_* environment")
	}

	noEDDN := false
	flagSet := pflag.NewFlagSet("skylink", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.JournalDir, "journal-dir", cfg.JournalDir, "directory holding the game's Journal.*.log files")
	flagSet.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for accounts.json, the dedup cache and the rule file")
	flagSet.StringVar(&cfg.RulesFile, "rules", cfg.RulesFile, "rule file (relative paths resolve against --data-dir)")
	flagSet.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "private telemetry endpoint")
	flagSet.StringVar(&cfg.EDDNURL, "eddn-url", cfg.EDDNURL, "EDDN upload endpoint")
	flagSet.BoolVar(&noEDDN, "no-eddn", false, "do not upload to EDDN")
	flagSet.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "status server address (e.g. 127.0.0.1:8765)")
	flagSet.StringVar(&cfg.MQTTHost, "mqtt-host", cfg.MQTTHost, "mqtt broker for status publishing (e.g. tcp://localhost:1883)")
	flagSet.StringVar(&cfg.MQTTUser, "mqtt-user", cfg.MQTTUser, "mqtt username")
	flagSet.StringVar(&cfg.MQTTPass, "mqtt-pass", cfg.MQTTPass, "mqtt password")
	flagSet.DurationVar(&cfg.ScreenRefresh, "refresh-rate", cfg.ScreenRefresh, "print the commander table this often (0 disables it)")
	flagSet.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "log debug stuff")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if noEDDN {
		cfg.EDDNEnabled = false
	}

	if cfg.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	skylink.ConfigureCrashReporting(cfg.BugsnagAPIKey, version)

	if info, err := os.Stat(cfg.JournalDir); err != nil || !info.IsDir() {
		return fmt.Errorf("journal directory %q does not exist", cfg.JournalDir)
	}

	agent, err := skylink.NewAgent(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = agent.Run(ctx)
	logrus.Info("👋 bye")
	return err
}
