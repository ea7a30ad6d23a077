package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/hiplan/internal/observability"
	"github.com/harun/hiplan/pkg/capability"
	"github.com/harun/hiplan/pkg/cron"
)

// Maintenance job names.
const (
	jobCapabilityRefresh = "capability-refresh"
	jobSessionEviction   = "session-eviction"
	jobGatewaySweep      = "gateway-sweep"
	jobQueueStats        = "queue-stats"
)

const (
	evictionSchedule   = "@every 1m"
	sweepSchedule      = "@every 1m"
	queueStatsSchedule = "@every 30s"
)

func (d *Daemon) registerMaintenanceJobs() error {
	jobs := []cron.AddParams{
		{
			Name:        jobCapabilityRefresh,
			Description: "Rediscover capabilities from every provider",
			Spec:        d.config.Capabilities.RefreshSchedule,
			Enabled:     d.config.Capabilities.RefreshSchedule != "",
			Task:        d.refreshCapabilities,
		},
		{
			Name:        jobSessionEviction,
			Description: "Drop finished sessions past the retention window from memory",
			Spec:        evictionSchedule,
			Enabled:     true,
			Task:        d.evictSessions,
		},
		{
			Name:        jobQueueStats,
			Description: "Report command queue lane sizes",
			Spec:        queueStatsSchedule,
			Enabled:     true,
			Task:        d.reportQueueStats,
		},
	}
	if d.gatewayServer != nil {
		jobs = append(jobs, cron.AddParams{
			Name:        jobGatewaySweep,
			Description: "Prune idempotency entries and idle rate limiters",
			Spec:        sweepSchedule,
			Enabled:     true,
			Task:        d.sweepGateway,
		})
	}

	for _, job := range jobs {
		if job.Spec == "" {
			// A disabled refresh still needs a parseable schedule so it can
			// be run by hand.
			job.Spec = "@every 5m"
		}
		if _, err := d.cronService.AddJob(job); err != nil {
			return fmt.Errorf("failed to register maintenance job: %w", err)
		}
	}
	return nil
}

// refreshCapabilities rediscovers capabilities. Unreachable providers are
// logged by the registry; only configuration errors fail the job.
func (d *Daemon) refreshCapabilities(ctx context.Context) error {
	snap, err := d.registry.Discover(ctx)
	if snap == nil {
		return err
	}
	if err != nil && !errors.Is(err, capability.ErrUnreachable) {
		return err
	}
	return nil
}

func (d *Daemon) evictSessions(ctx context.Context) error {
	retain := d.currentConfig().Session.RetainFor
	if retain <= 0 {
		return nil
	}
	if n := d.controller.Evict(retain); n > 0 {
		d.log.Info().Int("evicted", n).Dur("retain_for", retain).Msg("Evicted finished sessions")
	}
	return nil
}

func (d *Daemon) sweepGateway(ctx context.Context) error {
	d.gatewayServer.Sweep()
	return nil
}

// reportQueueStats publishes lane sizes and logs busy lanes.
func (d *Daemon) reportQueueStats(ctx context.Context) error {
	for lane, stats := range d.queue.GetStats() {
		observability.SetQueueSize(lane, stats.Queued)
		if stats.Queued > 0 || stats.Running > 0 {
			d.log.Debug().
				Str("lane", lane).
				Int("queued", stats.Queued).
				Int("running", stats.Running).
				Int("concurrency", stats.Concurrency).
				Msg("Queue stats")
		}
	}
	return nil
}
