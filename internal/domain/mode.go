// Package domain holds the shared types that every component of the
// execution platform exchanges: requests, responses, sandbox handles,
// blob and manifest identifiers, and the platform's closed error
// taxonomy. Nothing here performs I/O; it is pure data plus the small
// amount of logic (codec selection, error classification) that every
// consumer needs to agree on.
package domain

// Mode selects the Platform Executor's dispatch path for a Request.
type Mode string

const (
	ModeEphemeral    Mode = "ephemeral"
	ModeCached       Mode = "cached"
	ModeCheckpointed Mode = "checkpointed"
	ModeBranched     Mode = "branched"
	ModePersistent   Mode = "persistent"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeEphemeral, ModeCached, ModeCheckpointed, ModeBranched, ModePersistent:
		return true
	}
	return false
}

// SandboxKind distinguishes the two Sandbox variants.
type SandboxKind string

const (
	SandboxContainer SandboxKind = "container"
	SandboxMicroVM   SandboxKind = "microvm"
)

// SandboxState is the lifecycle state of a Sandbox. Transitions are
// monotonic along Creating -> Ready -> Running -> Checkpointing -> Dead
// except Paused <-> Running, which is reversible.
type SandboxState string

const (
	SandboxCreating      SandboxState = "creating"
	SandboxReady         SandboxState = "ready"
	SandboxRunning       SandboxState = "running"
	SandboxPaused        SandboxState = "paused"
	SandboxCheckpointing SandboxState = "checkpointing"
	SandboxDead          SandboxState = "dead"
)

// CanTransition reports whether moving from s to next is legal.
func (s SandboxState) CanTransition(next SandboxState) bool {
	if s == next {
		return true
	}
	if s == SandboxRunning && next == SandboxPaused {
		return true
	}
	if s == SandboxPaused && next == SandboxRunning {
		return true
	}
	order := map[SandboxState]int{
		SandboxCreating:      0,
		SandboxReady:         1,
		SandboxRunning:       2,
		SandboxCheckpointing: 3,
		SandboxDead:          4,
	}
	from, okFrom := order[s]
	to, okTo := order[next]
	if !okFrom || !okTo {
		return false
	}
	return to >= from
}
