package schema

// Event type constants for the run ledger and the progress stream.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventSpecChanged  = "run.spec_changed"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepSkipped   = "step.skipped"
	EventStepCached    = "step.cached"
	EventStepRetrying  = "step.retrying"
	EventStepAwaiting  = "step.awaiting_approval"

	EventAssetCompleted = "asset.completed"
	EventAssetFailed    = "asset.failed"
	EventAssetCached    = "asset.cached"

	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventApprovalTimeout   = "approval.timeout"

	EventCollectionCreated = "collection.created"
	EventCircuitOpen       = "circuit.open"

	EventProgress = "progress"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus represents the lifecycle state of a step instance.
type StepStatus string

const (
	StepStatusPending          StepStatus = "pending"
	StepStatusSkipped          StepStatus = "skipped"
	StepStatusRunning          StepStatus = "running"
	StepStatusAwaitingApproval StepStatus = "awaiting_approval"
	StepStatusComplete         StepStatus = "complete"
	StepStatusFailed           StepStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s StepStatus) Terminal() bool {
	return s == StepStatusComplete || s == StepStatusSkipped || s == StepStatusFailed
}

// RunPhase is the coarse phase reported on the progress channel.
type RunPhase string

const (
	PhaseLoading    RunPhase = "loading"
	PhaseValidating RunPhase = "validating"
	PhaseRunning    RunPhase = "running"
	PhaseWaiting    RunPhase = "waiting"
	PhaseComplete   RunPhase = "complete"
	PhaseFailed     RunPhase = "failed"
)
