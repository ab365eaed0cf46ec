/**
 * @description
 * Scheduled job implementations for the link scheduler.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/kessai/link-service/internal/domain"
)

// LinkExpirer moves stale pending links to expired.
type LinkExpirer interface {
	ExpireStaleLinks(ctx context.Context) ([]domain.PaymentLink, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	links   LinkExpirer
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(links LinkExpirer, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{links: links, logger: logger, timeout: 2 * time.Minute}
}

// ExpirePaymentLinks expires pending links whose expires_at has passed.
func (j *Jobs) ExpirePaymentLinks() {
	j.logger.Info("starting payment link expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	expired, err := j.links.ExpireStaleLinks(ctx)
	if err != nil {
		j.logger.Error("failed to expire payment links", "error", err)
		return
	}
	for _, link := range expired {
		j.logger.Info("payment link expired", "link_id", link.ID, "tenant_id", link.TenantID, "provider", link.Provider)
	}

	j.logger.Info("payment link expiry job finished", "expired", len(expired))
}
