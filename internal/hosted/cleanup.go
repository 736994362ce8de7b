package hosted

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Cleaner periodically purges acknowledged results that outlived their
// retention window.
type Cleaner struct {
	scheduler gocron.Scheduler
	logger    *zap.Logger
}

// NewCleaner schedules a recurring purge of store, keeping acknowledged
// results for maxAge. The job runs every `every` interval.
func NewCleaner(store *ResultStore, maxAge, every time.Duration, logger *zap.Logger) (*Cleaner, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			if _, err := store.CleanupOld(maxAge); err != nil {
				logger.Error("result cleanup failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule cleanup job: %w", err)
	}
	return &Cleaner{scheduler: sched, logger: logger}, nil
}

// Start begins running the cleanup job.
func (c *Cleaner) Start() {
	c.scheduler.Start()
}

// Stop shuts the scheduler down.
func (c *Cleaner) Stop() {
	if err := c.scheduler.Shutdown(); err != nil {
		c.logger.Warn("scheduler shutdown", zap.Error(err))
	}
}
