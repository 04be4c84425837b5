package metadata

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultJanitorSchedule runs the retention sweep every minute, catching
// streams that stopped receiving inserts.
const DefaultJanitorSchedule = "* * * * *"

// Janitor periodically evicts aged records from an index.
type Janitor struct {
	index    *Index
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron
}

// NewJanitor creates a janitor with the given cron schedule.
func NewJanitor(index *Index, schedule string, logger *slog.Logger) *Janitor {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	return &Janitor{index: index, logger: logger, schedule: schedule}
}

// Start begins the periodic sweep.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, j.sweep); err != nil {
		return err
	}
	c.Start()
	j.cron = c
	j.logger.Info("Retention janitor started", "schedule", j.schedule)
	return nil
}

// Stop halts the sweep, waiting for an in-flight run to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
		j.cron = nil
	}
}

func (j *Janitor) sweep() {
	streams, removed := j.index.EvictAged()
	if removed > 0 {
		j.logger.Info("Retention sweep", "streams", streams, "records", removed)
	}
}
