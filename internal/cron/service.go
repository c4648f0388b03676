// Package cron triggers recurring work, such as imports, on a schedule.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named schedule. Schedule accepts five-field cron expressions and
// descriptors such as "@hourly" or "@every 5m".
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`
}

type JobState struct {
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
}

type Service struct {
	mu       sync.Mutex
	jobs     []Job
	OnJob    func(ctx context.Context, job Job) error
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	log      zerolog.Logger
}

func NewService(log zerolog.Logger) *Service {
	return &Service{
		entryMap: make(map[string]rcron.EntryID),
		log:      log.With().Str("component", "cron").Logger(),
	}
}

// ValidateSchedule reports whether expr is a schedule AddJob accepts.
func ValidateSchedule(expr string) error {
	if _, err := rcron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("cron service already started")
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New()
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			s.registerJob(&s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.cron.Start()
	s.mu.Unlock()

	s.log.Info().Int("jobs", count).Msg("cron started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()

	return nil
}

func (s *Service) registerJob(job *Job) {
	id := job.ID
	entry, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(id)
	})
	if err != nil {
		s.log.Error().Str("job", job.Name).Str("schedule", job.Schedule).Err(err).Msg("register job failed")
		return
	}
	s.entryMap[job.ID] = entry
}

func (s *Service) executeJob(id string) {
	s.mu.Lock()
	var job Job
	found := false
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			job = s.jobs[i]
			found = true
			break
		}
	}
	ctx := s.runCtx
	handler := s.OnJob
	s.mu.Unlock()

	if !found || !job.Enabled {
		return
	}
	if handler == nil {
		s.log.Warn().Str("job", job.Name).Msg("no job handler set")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.log.Debug().Str("job", job.Name).Msg("executing job")
	err := handler(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAt = time.Now()
		st.Runs++
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			s.log.Warn().Str("job", job.Name).Err(err).Msg("job failed")
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
		}
		break
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.cron = nil
	s.entryMap = make(map[string]rcron.EntryID)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}
	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.log.Warn().Msg("stop timeout waiting for running jobs")
		}
		s.log.Info().Msg("cron stopped")
	}
}

func (s *Service) AddJob(name, schedule string) (*Job, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = append(s.jobs, Job{
		ID:       uuid.NewString(),
		Name:     name,
		Schedule: schedule,
		Enabled:  true,
	})
	job := &s.jobs[len(s.jobs)-1]
	if s.cron != nil {
		s.registerJob(job)
	}
	out := *job
	return &out, nil
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.cron != nil {
			if enabled {
				if _, ok := s.entryMap[id]; !ok {
					s.registerJob(&s.jobs[i])
				}
			} else {
				s.unregisterLocked(id)
			}
		}
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

// Next returns when the job runs next, if the service is started and the job
// is enabled.
func (s *Service) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entryMap[id]
	if !ok || s.cron == nil {
		return time.Time{}, false
	}
	next := s.cron.Entry(entryID).Next
	return next, !next.IsZero()
}

func (s *Service) unregisterLocked(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}
