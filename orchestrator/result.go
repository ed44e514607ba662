package orchestrator

import (
	"errors"
	"time"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/conversation"
	"github.com/agentplexus/calltest/evaluation"
	"github.com/agentplexus/calltest/scenario"
)

// CallStatus is the externally reported outcome of a test call.
type CallStatus string

const (
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
	CallTimedOut  CallStatus = "timed_out"
)

// ErrorInfo is the serialized form of the error that ended a run.
type ErrorInfo struct {
	Code    calltest.ErrorCode `json:"code"`
	Reason  string             `json:"reason,omitempty"`
	Message string             `json:"message"`
}

// TestResult is the outcome of one test. It is not modified after Run returns.
type TestResult struct {
	Test        scenario.Test       `json:"test"`
	SessionID   string              `json:"session_id"`
	CallSID     string              `json:"call_sid,omitempty"`
	Transcript  []conversation.Turn `json:"transcript"`
	Evaluations []evaluation.Result `json:"evaluation_results"`
	CallStatus  CallStatus          `json:"call_status"`
	Error       *ErrorInfo          `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	EndedAt     time.Time           `json:"ended_at"`
	// Recording is the path of the saved counterpart audio, when enabled.
	Recording string `json:"recording,omitempty"`
}

// Passed reports whether the call completed and every criterion passed.
func (r *TestResult) Passed() bool {
	return r.CallStatus == CallCompleted && evaluation.AllPassed(r.Evaluations)
}

// Duration returns the wall-clock time of the run.
func (r *TestResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Code: calltest.CodeOf(err), Message: err.Error()}
	var cerr *calltest.Error
	if errors.As(err, &cerr) {
		info.Reason = cerr.Reason
	}
	return info
}

func callStatusFor(state State) CallStatus {
	switch state {
	case StateCompleted:
		return CallCompleted
	case StateTimedOut:
		return CallTimedOut
	default:
		return CallFailed
	}
}
