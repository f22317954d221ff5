package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled maintenance task.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs maintenance jobs on cron specs with a seconds field.
// A job never overlaps with itself.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context

	mu      sync.Mutex
	entries map[string]cron.EntryID
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job. An empty spec leaves the job unscheduled.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		log.Printf("scheduler: %s disabled", job.Name)
		return nil
	}
	id, err := s.cron.AddFunc(job.Spec, func() {
		start := time.Now()
		if err := job.Run(s.ctx); err != nil {
			log.Printf("scheduler: %s failed after %v: %v", job.Name, time.Since(start), err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid spec %q for %s: %w", job.Spec, job.Name, err)
	}

	s.mu.Lock()
	s.entries[job.Name] = id
	s.mu.Unlock()
	log.Printf("scheduler: %s scheduled (%s)", job.Name, job.Spec)
	return nil
}

// Next returns the next run time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Close stops scheduling and waits for running jobs.
func (s *Scheduler) Close() error {
	s.cancel()
	<-s.cron.Stop().Done()
	return nil
}
