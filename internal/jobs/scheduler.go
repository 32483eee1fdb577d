package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// jobTimeout bounds one run of any job.
const jobTimeout = 30 * time.Minute

// Job is one scheduled background task.
type Job interface {
	Name() string
	Schedule() string
	Run(ctx context.Context) error
}

// JobStats tracks one job's run history. Kept in memory only; a restart
// starts the counters over.
type JobStats struct {
	LastRun    time.Time `json:"last_run"`
	LastError  string    `json:"last_error,omitempty"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
}

// Scheduler drives the background jobs on cron schedules. Runs are
// panic-isolated and skipped when the previous run is still going.
type Scheduler struct {
	cron  *cron.Cron
	mu    sync.RWMutex
	stats map[string]*JobStats
}

// NewScheduler builds an empty scheduler.
func NewScheduler() *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(logger),
			cron.Recover(logger),
		)),
		stats: make(map[string]*JobStats),
	}
}

// Register adds a job under its own schedule.
func (s *Scheduler) Register(job Job) error {
	_, err := s.cron.AddFunc(job.Schedule(), func() {
		s.runJob(job)
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("job", job.Name()).
		Str("schedule", job.Schedule()).
		Msg("Job registered")
	return nil
}

// runJob executes one run and records its outcome. Job errors never
// propagate; they land in the stats and the log.
func (s *Scheduler) runJob(job Job) {
	started := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	err := job.Run(ctx)
	took := time.Since(started)

	s.mu.Lock()
	st, ok := s.stats[job.Name()]
	if !ok {
		st = &JobStats{}
		s.stats[job.Name()] = st
	}
	st.LastRun = started.UTC()
	st.RunCount++
	if err != nil {
		st.ErrorCount++
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("job", job.Name()).Dur("took", took).Msg("Job failed")
		return
	}
	log.Info().Str("job", job.Name()).Dur("took", took).Msg("Job completed")
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Msg("Job scheduler started")
}

// Stop halts scheduling and returns a context that closes once running
// jobs finish.
func (s *Scheduler) Stop() context.Context {
	log.Info().Msg("Job scheduler stopping")
	return s.cron.Stop()
}

// Stats returns a copy of every job's stats.
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]JobStats, len(s.stats))
	for name, st := range s.stats {
		out[name] = *st
	}
	return out
}

// cronLogger adapts zerolog to the cron logger interface.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Interface("details", keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Interface("details", keysAndValues).Msg(msg)
}
