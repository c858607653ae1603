// Package clustererr defines the cluster core's error taxonomy: a closed set
// of kinds, each carrying a code, message, optional cause, and kind-specific
// fields. Mirrors original_source's LoomError hierarchy in Go idiom (one
// struct + Unwrap, rather than a class tree).
package clustererr

import "fmt"

// Kind is one of the closed set of error kinds the core can raise.
type Kind string

const (
	KindLLMRateLimit         Kind = "llm-rate-limit"
	KindLLMAuth              Kind = "llm-auth"
	KindLLMStreamInterrupted Kind = "llm-stream-interrupted"
	KindLLMCircuitOpen       Kind = "llm-circuit-open"
	KindToolTimeout          Kind = "tool-timeout"
	KindToolResultTooLarge   Kind = "tool-result-too-large"
	KindToolValidation       Kind = "tool-validation"
	KindAuctionNoWinner      Kind = "auction-no-winner"
	KindMitosisFailed        Kind = "mitosis-failed"
	KindApoptosisRejected    Kind = "apoptosis-rejected"
	KindAgentAbort           Kind = "agent-abort"
	KindAgentMaxSteps        Kind = "agent-max-steps"
)

// ClusterError is the single concrete error type for every kind above.
type ClusterError struct {
	Kind    Kind
	Message string
	Cause   error

	// Kind-specific fields; only the ones relevant to Kind are populated.
	RetryAfterMS   int
	PartialContent string
	NodeID         string
	TaskID         string
	ToolName       string
	SizeBytes      int
	LimitBytes     int
	TimeoutMS      int
	Steps          int
}

func (e *ClusterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClusterError) Unwrap() error { return e.Cause }

func NewLLMRateLimit(provider string, retryAfterMS int) *ClusterError {
	return &ClusterError{Kind: KindLLMRateLimit, Message: fmt.Sprintf("rate limited by %s", provider), RetryAfterMS: retryAfterMS}
}

func NewLLMAuth(provider string) *ClusterError {
	return &ClusterError{Kind: KindLLMAuth, Message: fmt.Sprintf("auth failed for %s", provider)}
}

func NewLLMStreamInterrupted(provider, partial string, cause error) *ClusterError {
	return &ClusterError{Kind: KindLLMStreamInterrupted, Message: fmt.Sprintf("stream interrupted from %s", provider), Cause: cause, PartialContent: partial}
}

func NewToolTimeout(toolName string, timeoutMS int) *ClusterError {
	return &ClusterError{Kind: KindToolTimeout, Message: fmt.Sprintf("tool %q timed out after %dms", toolName, timeoutMS), ToolName: toolName, TimeoutMS: timeoutMS}
}

func NewToolResultTooLarge(toolName string, size, limit int) *ClusterError {
	return &ClusterError{Kind: KindToolResultTooLarge, Message: fmt.Sprintf("tool %q result %dB exceeds limit %dB", toolName, size, limit), ToolName: toolName, SizeBytes: size, LimitBytes: limit}
}

func NewToolValidation(toolName, message string, cause error) *ClusterError {
	return &ClusterError{Kind: KindToolValidation, Message: message, ToolName: toolName, Cause: cause}
}

func NewAuctionNoWinner(taskID string) *ClusterError {
	return &ClusterError{Kind: KindAuctionNoWinner, Message: fmt.Sprintf("no agent won auction for task %s", taskID), TaskID: taskID}
}

func NewMitosisFailed(nodeID, message string, cause error) *ClusterError {
	return &ClusterError{Kind: KindMitosisFailed, Message: message, NodeID: nodeID, Cause: cause}
}

func NewApoptosisRejected(nodeID, reason string) *ClusterError {
	return &ClusterError{Kind: KindApoptosisRejected, Message: fmt.Sprintf("cannot recycle node %s: %s", nodeID, reason), NodeID: nodeID}
}

func NewAgentAbort() *ClusterError {
	return &ClusterError{Kind: KindAgentAbort, Message: "agent execution was aborted"}
}

func NewAgentMaxSteps(steps int, partial string) *ClusterError {
	return &ClusterError{Kind: KindAgentMaxSteps, Message: fmt.Sprintf("agent reached max steps (%d)", steps), Steps: steps, PartialContent: partial}
}
