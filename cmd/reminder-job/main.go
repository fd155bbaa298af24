// Command reminder-job sends one batch of appointment reminders and exits.
// It is meant to be triggered by cron or a scheduled container task.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/clinic-booking-engine/cmd/mainconfig"
	appbootstrap "github.com/wolfman30/clinic-booking-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-booking-engine/internal/config"
	"github.com/wolfman30/clinic-booking-engine/internal/reminders"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	defaultTZ := cfg.ReminderTimezone
	if defaultTZ == "" {
		defaultTZ = reminders.DefaultTimezone
	}
	timezone := flag.String("timezone", defaultTZ, "IANA zone used to resolve the run date")
	date := flag.String("date", "", "run date as YYYY-MM-DD (default: today in --timezone)")
	dryRun := flag.Bool("dry-run", false, "count reminders without sending or recording them")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	services, err := appbootstrap.BuildServices(ctx, cfg, awsCfg, prometheus.NewRegistry(), logger)
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}
	defer services.Close()

	run, err := services.Reminders.Run(ctx, *date, *timezone, reminders.DryRun(*dryRun))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(run)
	if err != nil {
		logger.Error("reminder run failed", "run_id", run.ID, "error", err)
		services.Close()
		os.Exit(1)
	}
	if run.Status == reminders.RunPartial {
		logger.Warn("reminder run finished with errors", "run_id", run.ID, "errors", len(run.Errors))
	}
}
