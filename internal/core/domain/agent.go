package domain

import "time"

type RunStatus string

const (
	RunStatusCreated        RunStatus = "created"
	RunStatusSubmitted      RunStatus = "submitted"
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
)

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// ToolCallRequest is emitted by the remote agent and answered exactly once.
type ToolCallRequest struct {
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type ToolCallResult struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// AgentRun is mutated only by the controller's poll loop.
type AgentRun struct {
	RunID            string             `json:"run_id"`
	ThreadID         string             `json:"thread_id"`
	Status           RunStatus          `json:"status"`
	PendingToolCalls []ToolCallRequest  `json:"pending_tool_calls,omitempty"`
	FailureReason    AgentFailureReason `json:"failure_reason,omitempty"`
	Detail           string             `json:"detail,omitempty"`
	Polls            int                `json:"polls"`
	ToolRounds       int                `json:"tool_rounds"`
	StartedAt        time.Time          `json:"started_at"`
}

// RemoteRun is the backend's view of a run as returned by get_run.
type RemoteRun struct {
	RunID            string
	ThreadID         string
	Status           RunStatus
	PendingToolCalls []ToolCallRequest
	LastError        string
}

// Annotation links an inline marker in agent text to a source.
type Annotation struct {
	Marker string `json:"marker"`
	Index  string `json:"index,omitempty"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

type AgentMessage struct {
	Text        string       `json:"text"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

type Citation struct {
	MarkerID string `json:"marker_id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Order    int    `json:"order"`
}

type AgentAnswer struct {
	Text      string                      `json:"text"`
	Citations []Citation                  `json:"citations"`
	Warnings  []CitationResolutionWarning `json:"-"`
	ToolCalls []ToolCallRequest           `json:"tool_calls,omitempty"`
	Run       AgentRun                    `json:"run"`
}

type AgentLimits struct {
	PollInitialBackoff time.Duration
	PollMaxBackoff     time.Duration
	PollMultiplier     float64
	RunTimeout         time.Duration
	ToolTimeout        time.Duration
	CancelOnAbandon    bool
	SearchTopK         int
	WebTopK            int
}
