package persistence

import (
	"encoding/json"
	"time"

	"github.com/petrijr/campaignflow/pkg/api"
)

// Payloads are stored as JSON so every backend sees the same normalized
// values (numbers decode as float64). Replay runs on the decoded form.

// EncodePayload serializes p. A nil payload encodes as nil.
func EncodePayload(p api.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(data []byte) (api.Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p api.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// instanceRecord is the storage form of a WorkflowInstance.
type instanceRecord struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Queue           string          `json:"queue"`
	Status          api.Status      `json:"status"`
	Input           api.Payload     `json:"input,omitempty"`
	Payload         api.Payload     `json:"payload,omitempty"`
	CurrentStage    int             `json:"current_stage"`
	Error           string          `json:"error,omitempty"`
	Kind            api.FailureKind `json:"kind,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	StartedAt       int64           `json:"started_at"`
	FinishedAt      int64           `json:"finished_at"`
	Deadline        int64           `json:"deadline"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func newInstanceRecord(inst *api.WorkflowInstance) instanceRecord {
	return instanceRecord{
		ID:              inst.ID,
		Name:            inst.Name,
		Queue:           inst.Queue,
		Status:          inst.Status,
		Input:           inst.Input,
		Payload:         inst.Payload,
		CurrentStage:    inst.CurrentStage,
		Error:           errString(inst.Err),
		Kind:            inst.Kind,
		CreatedAt:       toNanos(inst.CreatedAt),
		StartedAt:       toNanos(inst.StartedAt),
		FinishedAt:      toNanos(inst.FinishedAt),
		Deadline:        toNanos(inst.Deadline),
		CancelRequested: inst.CancelRequested,
		CancelReason:    inst.CancelReason,
	}
}

func (r instanceRecord) instance() *api.WorkflowInstance {
	return &api.WorkflowInstance{
		ID:              r.ID,
		Name:            r.Name,
		Queue:           r.Queue,
		Status:          r.Status,
		Input:           r.Input,
		Payload:         r.Payload,
		CurrentStage:    r.CurrentStage,
		Err:             api.RestoreError(r.Error, r.Kind),
		Kind:            r.Kind,
		CreatedAt:       fromNanos(r.CreatedAt),
		StartedAt:       fromNanos(r.StartedAt),
		FinishedAt:      fromNanos(r.FinishedAt),
		Deadline:        fromNanos(r.Deadline),
		CancelRequested: r.CancelRequested,
		CancelReason:    r.CancelReason,
	}
}

// EncodeInstance serializes an instance as JSON.
func EncodeInstance(inst *api.WorkflowInstance) ([]byte, error) {
	return json.Marshal(newInstanceRecord(inst))
}

// DecodeInstance is the inverse of EncodeInstance. Errors come back as
// api.RestoreError values.
func DecodeInstance(data []byte) (*api.WorkflowInstance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	var r instanceRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r.instance(), nil
}

type outcomeRecord struct {
	InstanceID string            `json:"instance_id"`
	Seq        int               `json:"seq"`
	Stage      string            `json:"stage"`
	Activity   string            `json:"activity"`
	Status     api.OutcomeStatus `json:"status"`
	Output     api.Payload       `json:"output,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Kind       api.FailureKind   `json:"kind,omitempty"`
	Attempts   int               `json:"attempts"`
	RecordedAt int64             `json:"recorded_at"`
}

// EncodeOutcome serializes a stage outcome as JSON.
func EncodeOutcome(o api.StageOutcome) ([]byte, error) {
	return json.Marshal(outcomeRecord{
		InstanceID: o.InstanceID,
		Seq:        o.Seq,
		Stage:      o.Stage,
		Activity:   o.Activity,
		Status:     o.Status,
		Output:     o.Output,
		Reason:     o.Reason,
		Kind:       o.Kind,
		Attempts:   o.Attempts,
		RecordedAt: toNanos(o.RecordedAt),
	})
}

// DecodeOutcome is the inverse of EncodeOutcome.
func DecodeOutcome(data []byte) (api.StageOutcome, error) {
	var r outcomeRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return api.StageOutcome{}, err
	}
	return api.StageOutcome{
		InstanceID: r.InstanceID,
		Seq:        r.Seq,
		Stage:      r.Stage,
		Activity:   r.Activity,
		Status:     r.Status,
		Output:     r.Output,
		Reason:     r.Reason,
		Kind:       r.Kind,
		Attempts:   r.Attempts,
		RecordedAt: fromNanos(r.RecordedAt),
	}, nil
}
