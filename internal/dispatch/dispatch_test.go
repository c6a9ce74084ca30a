package dispatch

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/taskfactory/internal/executor"
	"github.com/lucasnoah/taskfactory/internal/lock"
	"github.com/lucasnoah/taskfactory/internal/tasks"
)

// memSource is an in-memory task list that the fake runner updates.
type memSource struct {
	mu    sync.Mutex
	list  []tasks.Task
	loads int
}

func newMemSource(list ...tasks.Task) *memSource {
	for i := range list {
		list[i].Index = i
		if list[i].Status == "" {
			list[i].Status = tasks.StatusTodo
		}
	}
	return &memSource{list: list}
}

func (s *memSource) Load() ([]tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return slices.Clone(s.list), nil
}

func (s *memSource) set(id string, st tasks.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		if s.list[i].ID == id {
			s.list[i].Status = st
		}
	}
}

// fakeRunner returns scripted outcomes (success by default) and tracks
// concurrency.
type fakeRunner struct {
	src      *memSource
	outcomes map[string]executor.Outcome
	errs     map[string]error
	delay    time.Duration

	mu      sync.Mutex
	ran     []string
	running int
	peak    int
}

func (f *fakeRunner) RunWithRetries(ctx context.Context, t tasks.Task) (executor.Outcome, error) {
	f.mu.Lock()
	f.ran = append(f.ran, t.ID)
	f.running++
	f.peak = max(f.peak, f.running)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := f.errs[t.ID]; err != nil {
		return executor.OutcomeFailure, err
	}
	outcome, ok := f.outcomes[t.ID]
	if !ok {
		outcome = executor.OutcomeSuccess
	}
	switch outcome {
	case executor.OutcomeSuccess:
		f.src.set(t.ID, tasks.StatusDone)
	default:
		f.src.set(t.ID, tasks.StatusBlocked)
	}
	return outcome, nil
}

func (f *fakeRunner) ranIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.ran)
	slices.Sort(out)
	return out
}

type fakeStop struct {
	calls  int
	stopAt int
}

func (f *fakeStop) ShouldStop(ctx context.Context) (bool, string, error) {
	f.calls++
	if f.stopAt > 0 && f.calls >= f.stopAt {
		return true, "3 consecutive failed attempts (limit 3)", nil
	}
	return false, "", nil
}

func task(id string, deps ...string) tasks.Task {
	return tasks.Task{ID: id, Name: "task " + id, Priority: tasks.P2, DependsOn: deps}
}

func TestDispatchReady_Waves(t *testing.T) {
	src := newMemSource(task("A"), task("B"), task("C", "A", "B"))
	runner := &fakeRunner{src: src}
	d := New(runner, &fakeStop{}, Options{Workers: 2})
	var progress bytes.Buffer
	d.SetProgress(&progress)

	sum, err := d.DispatchReady(context.Background(), src)
	if err != nil {
		t.Fatalf("DispatchReady() error: %v", err)
	}
	if sum.Waves != 2 {
		t.Errorf("Waves = %d, want 2", sum.Waves)
	}
	if want := []string{"A", "B", "C"}; !slices.Equal(sum.Completed, want) {
		t.Errorf("Completed = %v, want %v", sum.Completed, want)
	}
	if sum.Stopped {
		t.Errorf("unexpected stop: %s", sum.StopReason)
	}
	if !strings.Contains(progress.String(), "wave 2: 1 ready task(s)") {
		t.Errorf("progress missing wave line:\n%s", progress.String())
	}
}

func TestDispatchReady_BoundedConcurrency(t *testing.T) {
	src := newMemSource(task("A"), task("B"), task("C"), task("D"), task("E"))
	runner := &fakeRunner{src: src, delay: 20 * time.Millisecond}
	d := New(runner, nil, Options{Workers: 2})

	sum, err := d.DispatchReady(context.Background(), src)
	if err != nil {
		t.Fatalf("DispatchReady() error: %v", err)
	}
	if len(sum.Completed) != 5 || sum.Waves != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if runner.peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", runner.peak)
	}
}

func TestDispatchReady_FailureHaltsAfterWave(t *testing.T) {
	src := newMemSource(task("A"), task("B"), task("C", "B"))
	runner := &fakeRunner{src: src, outcomes: map[string]executor.Outcome{"A": executor.OutcomeFailure}}
	d := New(runner, nil, Options{Workers: 4})

	sum, err := d.DispatchReady(context.Background(), src)
	if err != nil {
		t.Fatalf("DispatchReady() error: %v", err)
	}
	if !sum.Stopped || sum.StopReason != "task A failed" {
		t.Errorf("stop = %v %q", sum.Stopped, sum.StopReason)
	}
	if !slices.Equal(sum.Completed, []string{"B"}) || !slices.Equal(sum.Failed, []string{"A"}) {
		t.Errorf("summary = %+v", sum)
	}
	if slices.Contains(runner.ranIDs(), "C") {
		t.Error("C must not start after a failed wave")
	}
}

func TestDispatchReady_SkipContinues(t *testing.T) {
	src := newMemSource(task("A"), task("B"), task("C", "A"), task("D", "B"))
	runner := &fakeRunner{src: src, outcomes: map[string]executor.Outcome{"A": executor.OutcomeSkip}}
	d := New(runner, nil, Options{Workers: 2})

	sum, err := d.DispatchReady(context.Background(), src)
	if err != nil {
		t.Fatalf("DispatchReady() error: %v", err)
	}
	if sum.Stopped {
		t.Errorf("skip should not stop the run: %s", sum.StopReason)
	}
	if !slices.Equal(sum.Skipped, []string{"A"}) || !slices.Equal(sum.Completed, []string{"B", "D"}) {
		t.Errorf("summary = %+v", sum)
	}
	if got := runner.ranIDs(); !slices.Equal(got, []string{"A", "B", "D"}) {
		t.Errorf("ran = %v, C depends on the skipped task", got)
	}
}

func TestDispatchReady_StopSentinel(t *testing.T) {
	src := newMemSource(task("A"))
	runner := &fakeRunner{src: src}
	sentinel := lock.NewSentinel(filepath.Join(t.TempDir(), "STOP"))
	if err := sentinel.Request(); err != nil {
		t.Fatal(err)
	}
	d := New(runner, nil, Options{Sentinel: sentinel})

	sum, err := d.DispatchReady(context.Background(), src)
	if err != nil {
		t.Fatalf("DispatchReady() error: %v", err)
	}
	if !sum.Stopped || sum.StopReason != "stop requested" || sum.Waves != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if sentinel.Requested() {
		t.Error("honoured sentinel should be removed")
	}
	if len(runner.ranIDs()) != 0 {
		t.Error("nothing should run")
	}
}

func TestDispatchReady_ShouldStopBetweenWaves(t *testing.T) {
	src := newMemSource(task("A"), task("B", "A"))
	runner := &fakeRunner{src: src}
	d := New(runner, &fakeStop{stopAt: 2}, Options{})

	sum, err := d.DispatchReady(context.Background(), src)
	if err != nil {
		t.Fatalf("DispatchReady() error: %v", err)
	}
	if !sum.Stopped || !strings.Contains(sum.StopReason, "consecutive") {
		t.Errorf("summary = %+v", sum)
	}
	if !slices.Equal(sum.Completed, []string{"A"}) {
		t.Errorf("Completed = %v, want [A]", sum.Completed)
	}
}

func TestDispatchReady_RunnerError(t *testing.T) {
	src := newMemSource(task("A"), task("B"))
	boom := errors.New("database is locked")
	runner := &fakeRunner{src: src, errs: map[string]error{"A": boom}}
	d := New(runner, nil, Options{Workers: 1})

	_, err := d.DispatchReady(context.Background(), src)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestDispatchReady_Cancelled(t *testing.T) {
	src := newMemSource(task("A"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New(&fakeRunner{src: src}, nil, Options{})
	if _, err := d.DispatchReady(ctx, src); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
