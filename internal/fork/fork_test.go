package fork

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgekit/forge/internal/domain"
)

type fakeRestorer struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeRestorer) Restore(ctx context.Context, checkpointID, newRuntimeID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, newRuntimeID)
	f.mu.Unlock()
	if f.fail {
		return domain.ErrCheckpointUnavailable
	}
	return nil
}

type scriptedRunner struct {
	responses map[string]*domain.Response
	delay     map[string]time.Duration
}

func (r *scriptedRunner) Run(ctx context.Context, runtimeID string, req *domain.Request) (*domain.Response, error) {
	if d, ok := r.delay[runtimeID]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	resp, ok := r.responses[runtimeID]
	if !ok {
		return &domain.Response{ExitCode: 1}, nil
	}
	return resp, nil
}

type fakeTerminator struct {
	mu         sync.Mutex
	terminated []string
}

func (t *fakeTerminator) Terminate(runtimeID string) error {
	t.mu.Lock()
	t.terminated = append(t.terminated, runtimeID)
	t.mu.Unlock()
	return nil
}

func TestBranchRestoresNIndependentChildren(t *testing.T) {
	restorer := &fakeRestorer{}
	m := New(restorer, nil, nil)

	children, err := m.Branch(context.Background(), "parent-1", 3)
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("Branch returned %d children, want 3", len(children))
	}
	seen := map[string]bool{}
	for _, c := range children {
		if seen[c] {
			t.Errorf("duplicate child id %s", c)
		}
		seen[c] = true
	}
}

func TestBranchRejectsNonPositiveCount(t *testing.T) {
	m := New(&fakeRestorer{}, nil, nil)
	if _, err := m.Branch(context.Background(), "parent-1", 0); err == nil {
		t.Fatal("expected error for n=0")
	}
}

func TestRaceFastestPicksFirstSuccessAndTerminatesOthers(t *testing.T) {
	restorer := &fakeRestorer{}
	runner := &scriptedRunner{
		responses: map[string]*domain.Response{},
		delay:     map[string]time.Duration{},
	}
	terminator := &fakeTerminator{}
	m := New(restorer, runner, terminator)

	specs := []ChildSpec{
		{RuntimeID: "slow", Request: &domain.Request{}},
		{RuntimeID: "fast", Request: &domain.Request{}},
	}
	runner.responses["slow"] = &domain.Response{ExitCode: 0, Stdout: []byte("slow result")}
	runner.responses["fast"] = &domain.Response{ExitCode: 0, Stdout: []byte("fast result")}
	runner.delay["slow"] = 50 * time.Millisecond

	result, err := m.Race(context.Background(), "parent-1", specs, StrategyFastest, 0)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if result.Winner == nil || result.Winner.RuntimeID != "fast" {
		t.Fatalf("winner = %+v, want fast", result.Winner)
	}
	terminator.mu.Lock()
	terminated := append([]string(nil), terminator.terminated...)
	terminator.mu.Unlock()
	if len(terminated) != 1 || terminated[0] != "slow" {
		t.Errorf("terminated = %v, want [slow]", terminated)
	}
}

func TestRaceAllReturnsEveryResult(t *testing.T) {
	restorer := &fakeRestorer{}
	runner := &scriptedRunner{responses: map[string]*domain.Response{
		"a": {ExitCode: 0, Stdout: []byte("x")},
		"b": {ExitCode: 1, Stdout: []byte("y")},
	}}
	m := New(restorer, runner, nil)

	specs := []ChildSpec{
		{RuntimeID: "a", Request: &domain.Request{}},
		{RuntimeID: "b", Request: &domain.Request{}},
	}
	result, err := m.Race(context.Background(), "parent-1", specs, StrategyAll, 0)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if len(result.All) != 2 {
		t.Fatalf("All = %d results, want 2", len(result.All))
	}
}

func TestRaceQuorumRequiresKAgreement(t *testing.T) {
	restorer := &fakeRestorer{}
	runner := &scriptedRunner{responses: map[string]*domain.Response{
		"a": {ExitCode: 0, Stdout: []byte("agreed")},
		"b": {ExitCode: 0, Stdout: []byte("agreed")},
		"c": {ExitCode: 0, Stdout: []byte("different")},
	}}
	m := New(restorer, runner, nil)

	specs := []ChildSpec{
		{RuntimeID: "a", Request: &domain.Request{}},
		{RuntimeID: "b", Request: &domain.Request{}},
		{RuntimeID: "c", Request: &domain.Request{}},
	}
	result, err := m.Race(context.Background(), "parent-1", specs, StrategyQuorum, 2)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if result.Quorum != 2 {
		t.Errorf("Quorum = %d, want 2", result.Quorum)
	}
	if string(result.Winner.Response.Stdout) != "agreed" {
		t.Errorf("winner stdout = %q, want agreed", result.Winner.Response.Stdout)
	}
}

func TestRaceQuorumFailsWithoutAgreement(t *testing.T) {
	restorer := &fakeRestorer{}
	runner := &scriptedRunner{responses: map[string]*domain.Response{
		"a": {ExitCode: 0, Stdout: []byte("one")},
		"b": {ExitCode: 0, Stdout: []byte("two")},
	}}
	m := New(restorer, runner, nil)

	specs := []ChildSpec{
		{RuntimeID: "a", Request: &domain.Request{}},
		{RuntimeID: "b", Request: &domain.Request{}},
	}
	if _, err := m.Race(context.Background(), "parent-1", specs, StrategyQuorum, 2); err == nil {
		t.Fatal("expected quorum failure with no agreement")
	}
}
