// Package checkpoint implements the state manager (spec §4.6: C6): it
// snapshots execution state at configurable granularity, persists it behind
// a pluggable key-value contract, and restores executions from any
// checkpoint with a verified content hash.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/orchestrator/workflow"
)

// Level controls how much of the execution state a checkpoint captures.
type Level string

const (
	Minimal       Level = "minimal"
	Standard      Level = "standard"
	Comprehensive Level = "comprehensive"
	Debug         Level = "debug"
)

// Trigger records why a checkpoint was created.
type Trigger string

const (
	TriggerExecutionStart Trigger = "execution_start"
	TriggerInterval       Trigger = "interval"
	TriggerPause          Trigger = "pause"
	TriggerResume         Trigger = "resume"
	TriggerCancel         Trigger = "cancel"
	TriggerManual         Trigger = "manual"
	TriggerMigration      Trigger = "migration"
)

// Payload is the level-scoped snapshot of an execution's state (spec §4.6
// payload-by-level table). Fields are populated cumulatively: Standard
// includes everything Minimal does, and so on.
type Payload struct {
	// Minimal
	ExecutionID string                `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	Phase       workflow.Status       `json:"phase"`
	Paused      bool                  `json:"paused"`
	Cancelled   bool                  `json:"cancelled"`
	Completed   []string              `json:"completed"`
	Failed      []string              `json:"failed"`
	Skipped     []string              `json:"skipped"`

	// Standard
	Variables   map[string]any            `json:"variables,omitempty"`
	StepResults map[string]any            `json:"step_results,omitempty"`

	// Comprehensive
	StepDurations map[string]float64 `json:"step_durations,omitempty"`
	CheckpointTimes []time.Time      `json:"checkpoint_times,omitempty"`
	ErrorDetails  string             `json:"error_details,omitempty"`

	// Debug
	StartTime       time.Time `json:"start_time,omitzero"`
	LastCheckpoint  time.Time `json:"last_checkpoint,omitzero"`
	CurrentStepID   string    `json:"current_step_id,omitempty"`
	HandlerCounts   map[string]int `json:"handler_counts,omitempty"`
}

// Checkpoint is one persisted snapshot (spec §3: Checkpoint).
type Checkpoint struct {
	ExecutionID string    `json:"execution_id"`
	ID          int64     `json:"id"` // monotonically-ordered per execution
	Timestamp   time.Time `json:"timestamp"`
	Level       Level     `json:"level"`
	Trigger     Trigger   `json:"trigger"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Payload     Payload   `json:"payload"`
	Hash        string    `json:"hash"`
	Size        int       `json:"size"`

	// SchemaVersion supports Migrate; checkpoints written by older code
	// carry the version they were created with.
	SchemaVersion int `json:"schema_version"`
}

const currentSchemaVersion = 1

// maxPayloadBytes matches the persistence contract's 16 MiB blob limit
// (spec §6 Persistence contract).
const maxPayloadBytes = 16 << 20

func computeHash(p Payload) (string, []byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

func buildPayload(level Level, exec *workflow.Execution) Payload {
	p := Payload{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Phase:       exec.Status,
		Paused:      exec.Status == workflow.StatusPaused,
		Cancelled:   exec.Status == workflow.StatusCancelled,
	}
	for id, se := range exec.Steps {
		switch se.Status {
		case workflow.StepCompleted:
			p.Completed = append(p.Completed, id)
		case workflow.StepFailed:
			p.Failed = append(p.Failed, id)
		case workflow.StepSkipped:
			p.Skipped = append(p.Skipped, id)
		}
	}
	if level == Minimal {
		return p
	}

	p.Variables = exec.Variables
	p.StepResults = make(map[string]any, len(exec.Steps))
	for id, se := range exec.Steps {
		if se.Status == workflow.StepCompleted {
			p.StepResults[id] = se.Output
		}
	}
	if level == Standard {
		return p
	}

	p.StepDurations = make(map[string]float64, len(exec.Steps))
	for id, se := range exec.Steps {
		if se.StartedAt != nil && se.EndedAt != nil {
			p.StepDurations[id] = se.EndedAt.Sub(*se.StartedAt).Seconds()
		}
	}
	p.ErrorDetails = exec.Error
	if level == Comprehensive {
		return p
	}

	p.StartTime = exec.StartedAt
	p.LastCheckpoint = time.Now()
	handlerCounts := make(map[string]int, len(exec.Steps))
	for id, se := range exec.Steps {
		handlerCounts[string(se.Status)]++
		_ = id
	}
	p.HandlerCounts = handlerCounts
	for _, se := range exec.Steps {
		if se.Status == workflow.StepRunning {
			p.CurrentStepID = se.StepID
			break
		}
	}
	return p
}

func (p Payload) validateSize() error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if len(b) > maxPayloadBytes {
		return fmt.Errorf("checkpoint payload of %d bytes exceeds the %d byte limit", len(b), maxPayloadBytes)
	}
	return nil
}
