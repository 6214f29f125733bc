package agentrun

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultRetention     = 72 * time.Hour
	defaultPruneSchedule = "@hourly"
)

// Pruner periodically removes terminal sessions older than the retention
// window from the registry.
type Pruner struct {
	registry  *Registry
	retention time.Duration
	logger    zerolog.Logger
	cron      *cron.Cron
}

// NewPruner schedules PruneOlderThan on the given cron expression
// (hourly if empty).
func NewPruner(registry *Registry, retention time.Duration, schedule string, logger zerolog.Logger) (*Pruner, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if schedule == "" {
		schedule = defaultPruneSchedule
	}

	p := &Pruner{
		registry:  registry,
		retention: retention,
		logger:    logger.With().Str("component", "pruner").Logger(),
		cron:      cron.New(),
	}

	if _, err := p.cron.AddFunc(schedule, p.prune); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start begins the schedule and runs one prune immediately.
func (p *Pruner) Start() {
	p.prune()
	p.cron.Start()
	p.logger.Info().Dur("retention", p.retention).Msg("Session pruner started")
}

// Stop halts the schedule, waiting for an in-flight prune to finish.
func (p *Pruner) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.logger.Info().Msg("Session pruner stopped")
}

func (p *Pruner) prune() {
	removed := p.registry.PruneOlderThan(p.retention)
	if removed > 0 {
		p.logger.Debug().Int("removed", removed).Msg("Prune pass finished")
	}
}
