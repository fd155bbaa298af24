package credentials

import (
	"context"
	"time"

	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// RefreshWorker periodically refreshes tokens that are about to expire so
// inbound turns rarely pay for a refresh.
type RefreshWorker struct {
	manager  *Manager
	store    Store
	logger   *logging.Logger
	interval time.Duration
}

// NewRefreshWorker creates a proactive refresh worker.
func NewRefreshWorker(manager *Manager, store Store, interval time.Duration, logger *logging.Logger) *RefreshWorker {
	if manager == nil || store == nil {
		panic("credentials: manager and store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &RefreshWorker{manager: manager, store: store, logger: logger, interval: interval}
}

// Start runs the worker until ctx is cancelled.
func (w *RefreshWorker) Start(ctx context.Context) {
	w.logger.Info("starting credential refresh worker", "interval", w.interval.String(), "margin", w.manager.margin.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("credential refresh worker shutting down")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce refreshes every active credential expiring within the manager's
// margin plus one interval. It returns how many were refreshed.
func (w *RefreshWorker) RunOnce(ctx context.Context) int {
	horizon := w.manager.now().Add(w.manager.margin + w.interval)
	creds, err := w.store.ListExpiring(ctx, horizon)
	if err != nil {
		w.logger.Error("failed to list expiring credentials", "error", err)
		return 0
	}
	if len(creds) == 0 {
		w.logger.Debug("no credentials need refresh")
		return 0
	}

	refreshed := 0
	for _, cred := range creds {
		w.manager.Forget(cred.TenantID)
		if _, err := w.manager.ForceRefresh(ctx, cred.TenantID, cred.AccessToken); err != nil {
			w.logger.Error("failed to refresh credential", "tenant_id", cred.TenantID, "error", err)
			continue
		}
		refreshed++
	}
	w.logger.Info("refreshed expiring credentials", "count", refreshed, "candidates", len(creds))
	return refreshed
}
