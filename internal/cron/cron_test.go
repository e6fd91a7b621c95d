package cron

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(filepath.Join(t.TempDir(), "jobs.json"))
}

func TestNewCronJob(t *testing.T) {
	job := NewCronJob("test", Schedule{Kind: KindCron, Expr: "0 0 * * * *"}, Payload{Message: "hello"})
	if job.ID == "" {
		t.Error("job ID should not be empty")
	}
	if job.Name != "test" {
		t.Errorf("name = %q, want test", job.Name)
	}
	if !job.Enabled {
		t.Error("job should be enabled by default")
	}
	if job.CreatedAtMs == 0 {
		t.Error("CreatedAtMs should be set")
	}
	other := NewCronJob("test", job.Schedule, job.Payload)
	if other.ID == job.ID {
		t.Error("job IDs should be unique")
	}
}

func TestService_AddAndListJobs(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "nested", "jobs.json")
	s := NewService(storePath)

	job, err := s.AddJob("job1", Schedule{Kind: KindEvery, EveryMs: 60000}, Payload{Message: "tick"})
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if job.Name != "job1" {
		t.Errorf("name = %q, want job1", job.Name)
	}

	jobs := s.ListJobs()
	if len(jobs) != 1 || jobs[0].Name != "job1" {
		t.Fatalf("jobs = %+v, want one job1", jobs)
	}

	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var stored []CronJob
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != job.ID {
		t.Errorf("stored = %+v, want job %s", stored, job.ID)
	}
}

func TestService_AddJob_InvalidSchedule(t *testing.T) {
	s := newTestService(t)

	cases := []Schedule{
		{Kind: KindCron, Expr: "not a cron"},
		{Kind: KindEvery},
		{Kind: KindAt},
		{Kind: "weekly"},
	}
	for _, sch := range cases {
		if _, err := s.AddJob("bad", sch, Payload{}); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("AddJob(%+v) error = %v, want ErrInvalidSchedule", sch, err)
		}
	}
	if n := len(s.ListJobs()); n != 0 {
		t.Errorf("invalid jobs stored: %d", n)
	}
}

func TestService_RemoveJob(t *testing.T) {
	s := newTestService(t)

	job, _ := s.AddJob("rm-test", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Message: "x"})

	if !s.RemoveJob(job.ID) {
		t.Error("RemoveJob returned false")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("job not removed")
	}
	if s.RemoveJob("nonexistent") {
		t.Error("RemoveJob should return false for nonexistent")
	}
}

func TestService_EnableJob(t *testing.T) {
	s := newTestService(t)

	job, _ := s.AddJob("toggle", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Message: "x"})

	updated, err := s.EnableJob(job.ID, false)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if updated.Enabled {
		t.Error("job should be disabled")
	}

	updated, err = s.EnableJob(job.ID, true)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if !updated.Enabled {
		t.Error("job should be enabled")
	}

	if _, err := s.EnableJob("missing", true); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("EnableJob(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestService_EnsureJob(t *testing.T) {
	s := newTestService(t)
	sch := Schedule{Kind: KindCron, Expr: "0 * * * * *"}

	for i := 0; i < 3; i++ {
		if err := s.EnsureJob("__internal:flush", sch, Payload{Message: "__internal:flush"}); err != nil {
			t.Fatalf("EnsureJob error: %v", err)
		}
	}
	if n := len(s.ListJobs()); n != 1 {
		t.Errorf("jobs = %d, want 1", n)
	}
}

func TestService_StartStop(t *testing.T) {
	s := newTestService(t)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	s.Stop()
	// second stop is a no-op
	s.Stop()
}

func TestService_Start_ParentCancelInvokesStop(t *testing.T) {
	s := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cron == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("service did not stop after parent cancel")
}

func TestService_Persistence(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")

	s1 := NewService(storePath)
	if _, err := s1.AddJob("persist", Schedule{Kind: KindCron, Expr: "0 0 * * * *"}, Payload{Message: "saved"}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	s2 := NewService(storePath)
	if err := s2.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s2.Stop()

	jobs := s2.ListJobs()
	if len(jobs) != 1 || jobs[0].Payload.Message != "saved" {
		t.Fatalf("jobs = %+v, want persisted job", jobs)
	}
	s2.mu.Lock()
	_, scheduled := s2.entryMap[jobs[0].ID]
	s2.mu.Unlock()
	if !scheduled {
		t.Error("persisted job should be scheduled on start")
	}
}

func TestService_Start_CorruptStore(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(storePath, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewService(storePath)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start should tolerate a corrupt store: %v", err)
	}
	defer s.Stop()
	if n := len(s.ListJobs()); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
}

func TestService_RunJob_WithHandler(t *testing.T) {
	s := newTestService(t)

	var got CronJob
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) {
		got = job
		return "done", nil
	}

	job, _ := s.AddJob("exec", Schedule{Kind: KindEvery, EveryMs: 60000}, Payload{Message: "run me"})
	if err := s.RunJob(job.ID); err != nil {
		t.Fatalf("RunJob error: %v", err)
	}

	if got.Payload.Message != "run me" {
		t.Errorf("handler got %q, want run me", got.Payload.Message)
	}
	state := s.ListJobs()[0].State
	if state.LastStatus != "ok" || state.LastRunAtMs == 0 {
		t.Errorf("state = %+v, want ok with run time", state)
	}
}

func TestService_RunJob_NotFound(t *testing.T) {
	s := newTestService(t)
	if err := s.RunJob("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("RunJob error = %v, want ErrJobNotFound", err)
	}
}

func TestService_RunJob_NoHandler(t *testing.T) {
	s := newTestService(t)

	job, _ := s.AddJob("nohandler", Schedule{Kind: KindEvery, EveryMs: 60000}, Payload{Message: "x"})
	if err := s.RunJob(job.ID); err != nil {
		t.Fatalf("RunJob error: %v", err)
	}
	if st := s.ListJobs()[0].State.LastStatus; st != "" {
		t.Errorf("LastStatus = %q, want empty", st)
	}
}

func TestService_RunJob_HandlerError(t *testing.T) {
	s := newTestService(t)
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) {
		return "", fmt.Errorf("boom")
	}

	job, _ := s.AddJob("fail", Schedule{Kind: KindEvery, EveryMs: 60000}, Payload{Message: "x"})
	_ = s.RunJob(job.ID)

	state := s.ListJobs()[0].State
	if state.LastStatus != "error" || state.LastError != "boom" {
		t.Errorf("state = %+v, want error boom", state)
	}
}

func TestService_RunJob_DeleteAfterRun(t *testing.T) {
	s := newTestService(t)
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) { return "ok", nil }

	job, _ := s.AddJob("once", Schedule{Kind: KindEvery, EveryMs: 60000}, Payload{Message: "x"})
	s.mu.Lock()
	s.jobs[0].DeleteAfterRun = true
	s.mu.Unlock()

	_ = s.RunJob(job.ID)
	if n := len(s.ListJobs()); n != 0 {
		t.Errorf("jobs = %d, want 0 after delete-after-run", n)
	}
}

func TestService_RunJob_AtDisablesJob(t *testing.T) {
	s := newTestService(t)
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) { return "ok", nil }

	at := time.Now().Add(time.Hour).UnixMilli()
	job, _ := s.AddJob("at", Schedule{Kind: KindAt, AtMs: at}, Payload{Message: "x"})
	_ = s.RunJob(job.ID)

	jobs := s.ListJobs()
	if len(jobs) != 1 || jobs[0].Enabled {
		t.Errorf("jobs = %+v, want one disabled job", jobs)
	}
}

func TestService_EveryScheduleFires(t *testing.T) {
	s := newTestService(t)

	var count atomic.Int32
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) {
		count.Add(1)
		return "ok", nil
	}
	if _, err := s.AddJob("every", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Message: "tick"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && count.Load() == 0 {
		time.Sleep(50 * time.Millisecond)
	}
	if count.Load() == 0 {
		t.Error("every job did not fire")
	}
}

func TestService_HandlerGetsRunContext(t *testing.T) {
	s := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	var handlerCtx context.Context
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) {
		handlerCtx = ctx
		return "", nil
	}
	job, _ := s.AddJob("ctx", Schedule{Kind: KindCron, Expr: "0 0 0 1 1 *"}, Payload{})
	_ = s.RunJob(job.ID)

	cancel()
	select {
	case <-handlerCtx.Done():
	case <-time.After(2 * time.Second):
		t.Error("handler context not cancelled with parent")
	}
}

// blockStore points s at a path whose parent is a regular file.
func blockStore(t *testing.T, s *Service) {
	t.Helper()
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	s.storePath = filepath.Join(blocker, "jobs.json")
}

func TestService_EnableJob_SaveError(t *testing.T) {
	s := newTestService(t)
	job, err := s.AddJob("toggle", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Message: "x"})
	if err != nil {
		t.Fatal(err)
	}
	blockStore(t, s)

	if _, err := s.EnableJob(job.ID, false); err == nil {
		t.Error("EnableJob should report a failed save")
	}
}

func TestService_RemoveJob_SaveErrorLogged(t *testing.T) {
	s := newTestService(t)
	var logs bytes.Buffer
	s.SetLogger(slog.New(slog.NewTextHandler(&logs, nil)))
	job, err := s.AddJob("rm", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Message: "x"})
	if err != nil {
		t.Fatal(err)
	}
	blockStore(t, s)

	if !s.RemoveJob(job.ID) {
		t.Fatal("RemoveJob returned false")
	}
	if !strings.Contains(logs.String(), "failed to save jobs") {
		t.Errorf("logs = %q, want save failure", logs.String())
	}
}

func TestService_RemoveJob_WithCron(t *testing.T) {
	s := newTestService(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	job, err := s.AddJob("cron-rm", Schedule{Kind: KindCron, Expr: "0 0 * * * *"}, Payload{Message: "x"})
	if err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	_, ok := s.entryMap[job.ID]
	s.mu.Unlock()
	if !ok {
		t.Fatal("job should be in entryMap")
	}

	s.RemoveJob(job.ID)

	s.mu.Lock()
	_, ok = s.entryMap[job.ID]
	entries := len(s.cron.Entries())
	s.mu.Unlock()
	if ok {
		t.Error("job should be removed from entryMap")
	}
	if entries != 0 {
		t.Errorf("cron entries = %d, want 0", entries)
	}
}

func TestService_EnableJob_TogglesEntry(t *testing.T) {
	s := newTestService(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	job, _ := s.AddJob("toggle", Schedule{Kind: KindCron, Expr: "0 0 * * * *"}, Payload{Message: "x"})

	scheduled := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.entryMap[job.ID]
		return ok
	}

	if _, err := s.EnableJob(job.ID, false); err != nil {
		t.Fatal(err)
	}
	if scheduled() {
		t.Error("disabled job should not be scheduled")
	}
	if _, err := s.EnableJob(job.ID, true); err != nil {
		t.Fatal(err)
	}
	if !scheduled() {
		t.Error("enabled job should be scheduled")
	}
}

func TestOnceAt_Next(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	future := onceAt(now.Add(time.Minute))
	if got := future.Next(now); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("future Next = %v, want %v", got, now.Add(time.Minute))
	}

	justPassed := onceAt(now.Add(-500 * time.Millisecond))
	if got := justPassed.Next(now); !got.After(now) {
		t.Errorf("just-passed Next = %v, want after now", got)
	}

	stale := onceAt(now.Add(-time.Hour))
	if got := stale.Next(now); !got.IsZero() {
		t.Errorf("stale Next = %v, want zero", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("abcdefghij", 4); got != "abcd..." {
		t.Errorf("truncate = %q, want abcd...", got)
	}
}
