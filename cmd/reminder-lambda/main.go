package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/clinic-booking-engine/cmd/mainconfig"
	appbootstrap "github.com/wolfman30/clinic-booking-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-booking-engine/internal/config"
	"github.com/wolfman30/clinic-booking-engine/internal/reminders"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// runEvent is the direct invocation payload. A scheduled EventBridge event
// carries the same fields in its detail, or none at all.
type runEvent struct {
	Date     string `json:"date"`
	Timezone string `json:"timezone"`
	DryRun   bool   `json:"dry_run"`
}

type runner interface {
	Run(ctx context.Context, asOfDate, timezone string, opts ...reminders.RunOption) (reminders.JobRun, error)
}

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	// Connections are reused across warm invocations.
	services, err := appbootstrap.BuildServices(ctx, cfg, awsCfg, prometheus.NewRegistry(), logger)
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}

	lambda.Start(func(ctx context.Context, raw json.RawMessage) (reminders.JobRun, error) {
		return handle(ctx, services.Reminders, cfg.ReminderTimezone, raw)
	})
}

func handle(ctx context.Context, r runner, defaultTimezone string, raw json.RawMessage) (reminders.JobRun, error) {
	evt, err := decodeEvent(raw)
	if err != nil {
		return reminders.JobRun{}, err
	}
	tz := strings.TrimSpace(evt.Timezone)
	if tz == "" {
		tz = defaultTimezone
	}
	run, err := r.Run(ctx, strings.TrimSpace(evt.Date), tz, reminders.DryRun(evt.DryRun))
	if err != nil {
		return run, fmt.Errorf("reminder run failed: %w", err)
	}
	return run, nil
}

func decodeEvent(raw json.RawMessage) (runEvent, error) {
	var evt runEvent
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return evt, nil
	}
	var scheduled events.CloudWatchEvent
	if err := json.Unmarshal(raw, &scheduled); err == nil && scheduled.DetailType != "" {
		if len(scheduled.Detail) == 0 || string(scheduled.Detail) == "null" {
			return evt, nil
		}
		raw = scheduled.Detail
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		return evt, fmt.Errorf("invalid reminder event: %w", err)
	}
	return evt, nil
}
