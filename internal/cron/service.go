package cron

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	rcron "github.com/robfig/cron/v3"
)

var (
	ErrJobNotFound     = goerr.New("cron job not found")
	ErrInvalidSchedule = goerr.New("invalid cron schedule")
)

// Handler runs a fired job and returns a short result for the job state.
type Handler func(ctx context.Context, job CronJob) (string, error)

// Service keeps a persisted job list and drives it with robfig/cron.
type Service struct {
	storePath string
	OnJob     Handler

	mu       sync.Mutex
	jobs     []CronJob
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
}

func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		entryMap:  make(map[string]rcron.EntryID),
		ctx:       context.Background(),
		logger:    slog.Default().With("component", "cron"),
	}
}

func (s *Service) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger.With("component", "cron")
	}
}

// Start loads persisted jobs and schedules the enabled ones. The service
// stops when ctx ends.
func (s *Service) Start(ctx context.Context) error {
	if err := s.load(); err != nil {
		s.logger.Warn("failed to load jobs", "path", s.storePath, "error", err)
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = rcron.New(rcron.WithSeconds())
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			s.registerLocked(s.jobs[i])
		}
	}
	count := len(s.jobs)
	runCtx := s.ctx
	s.cron.Start()
	s.mu.Unlock()

	s.logger.Info("started", "jobs", count)

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the scheduler and waits up to five seconds for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.entryMap = make(map[string]rcron.EntryID)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop timeout waiting for running jobs")
	}
	s.logger.Info("stopped")
}

func scheduleFor(sch Schedule) (rcron.Schedule, error) {
	switch sch.Kind {
	case KindCron:
		parsed, err := rcron.NewParser(
			rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
		).Parse(sch.Expr)
		if err != nil {
			return nil, goerr.Wrap(ErrInvalidSchedule, "parse cron expression",
				goerr.V("expr", sch.Expr), goerr.V("cause", err.Error()))
		}
		return parsed, nil
	case KindEvery:
		if sch.EveryMs <= 0 {
			return nil, goerr.Wrap(ErrInvalidSchedule, "interval must be positive", goerr.V("everyMs", sch.EveryMs))
		}
		return rcron.Every(time.Duration(sch.EveryMs) * time.Millisecond), nil
	case KindAt:
		if sch.AtMs <= 0 {
			return nil, goerr.Wrap(ErrInvalidSchedule, "instant must be set", goerr.V("atMs", sch.AtMs))
		}
		return onceAt(time.UnixMilli(sch.AtMs)), nil
	default:
		return nil, goerr.Wrap(ErrInvalidSchedule, "unknown schedule kind", goerr.V("kind", sch.Kind))
	}
}

// onceAt fires at the given instant, or on the next tick when that instant
// already passed, and never again.
type onceAt time.Time

func (o onceAt) Next(now time.Time) time.Time {
	at := time.Time(o)
	if at.After(now) {
		return at
	}
	if now.Sub(at) < 2*time.Second {
		return now.Add(time.Second).Truncate(time.Second)
	}
	return time.Time{}
}

// registerLocked schedules job. The caller holds s.mu and s.cron is set.
func (s *Service) registerLocked(job CronJob) {
	if s.cron == nil {
		return
	}
	sch, err := scheduleFor(job.Schedule)
	if err != nil {
		s.logger.Warn("failed to register job", "job", job.Name, "error", err)
		return
	}
	id := job.ID
	s.entryMap[id] = s.cron.Schedule(sch, rcron.FuncJob(func() {
		if j, ok := s.lookup(id); ok {
			s.executeJob(j)
		}
	}))
}

func (s *Service) unregisterLocked(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}

func (s *Service) lookup(id string) (CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return CronJob{}, false
}

func (s *Service) executeJob(job CronJob) {
	if s.OnJob == nil {
		s.logger.Warn("no job handler set", "job", job.Name)
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Debug("executing job", "job", job.Name, "id", job.ID)
	result, err := s.OnJob(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAtMs = time.Now().UnixMilli()
		if err != nil {
			st.LastStatus, st.LastError = "error", err.Error()
			s.logger.Error("job failed", "job", job.Name, "error", err)
		} else {
			st.LastStatus, st.LastError = "ok", ""
			s.logger.Debug("job done", "job", job.Name, "result", truncate(result, 100))
		}

		if s.jobs[i].DeleteAfterRun || job.Schedule.Kind == KindAt {
			s.unregisterLocked(job.ID)
			if s.jobs[i].DeleteAfterRun {
				s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			} else {
				s.jobs[i].Enabled = false
			}
		}
		break
	}

	if err := s.save(); err != nil {
		s.logger.Warn("failed to save jobs", "error", err)
	}
}

// AddJob validates and stores a new job, scheduling it when the service
// is running.
func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if _, err := scheduleFor(schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)
	s.registerLocked(job)

	if err := s.save(); err != nil {
		return nil, goerr.Wrap(err, "save jobs", goerr.V("path", s.storePath))
	}
	return &job, nil
}

// EnsureJob adds the named job unless one with that name exists.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) error {
	for _, j := range s.ListJobs() {
		if j.Name == name {
			return nil
		}
	}
	_, err := s.AddJob(name, schedule, payload)
	return err
}

// RunJob fires the job now, outside its schedule.
func (s *Service) RunJob(id string) error {
	job, ok := s.lookup(id)
	if !ok {
		return goerr.Wrap(ErrJobNotFound, "run job", goerr.V("id", id))
	}
	s.executeJob(job)
	return nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			s.unregisterLocked(id)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			if err := s.save(); err != nil {
				s.logger.Warn("failed to save jobs", "id", id, "error", err)
			}
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		_, scheduled := s.entryMap[id]
		switch {
		case enabled && !scheduled:
			s.registerLocked(s.jobs[i])
		case !enabled:
			s.unregisterLocked(id)
		}
		if err := s.save(); err != nil {
			return nil, goerr.Wrap(err, "save jobs", goerr.V("path", s.storePath))
		}
		job := s.jobs[i]
		return &job, nil
	}
	return nil, goerr.Wrap(ErrJobNotFound, "enable job", goerr.V("id", id))
}

// Load reads the persisted jobs without scheduling them. Call it before
// editing the job list of a service that is not started.
func (s *Service) Load() error {
	return s.load()
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return goerr.Wrap(err, "read jobs")
	}
	var jobs []CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return goerr.Wrap(err, "parse jobs")
	}
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

// save writes the job list. The caller holds s.mu.
func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
