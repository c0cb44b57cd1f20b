// internal/janitor/janitor.go
package janitor

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper removes snapshots older than maxAge and reports how many went.
type Sweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

// Janitor runs the snapshot retention sweep on a cron schedule. Abandoned
// sessions never reach the Complete-transition clear, so their snapshots are
// reaped here instead.
type Janitor struct {
	sweeper  Sweeper
	schedule string
	maxAge   time.Duration
	cron     *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Janitor sweeping on the given cron schedule.
func New(sweeper Sweeper, schedule string, maxAge time.Duration) *Janitor {
	return &Janitor{
		sweeper:  sweeper,
		schedule: schedule,
		maxAge:   maxAge,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers the sweep as a cron entry and starts the ticker.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		removed, err := j.sweeper.Sweep(j.maxAge)
		if err != nil {
			slog.Error("snapshot sweep failed", "error", err)
			return
		}
		if removed > 0 {
			slog.Info("snapshot sweep", "removed", removed, "max_age", j.maxAge.String())
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	slog.Info("janitor started", "schedule", j.schedule, "max_age", j.maxAge.String())
	return nil
}

// Stop stops the cron ticker.
func (j *Janitor) Stop() {
	j.cron.Stop()
}
