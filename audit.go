package flowauth

import (
	"github.com/auricle/flowauth/internal/audit"
)

// Audit event names emitted by the engine.
const (
	EventExecutionStarted   = "flow.execution_started"
	EventExecutionCompleted = "flow.execution_completed"
	EventAccessDenied       = "flow.access_denied"
	EventStageSubmitted     = "flow.stage_submitted"
	EventSubmissionRejected = "flow.submission_rejected"
	EventPasswordVerified   = "flow.password_verified"
	EventPolicyError        = "flow.policy_error"
	EventLogin              = "user.login"
	EventLoginFailed        = "user.login_failed"
	EventLogout             = "user.logout"
	EventUserWritten        = "user.written"
)

// AuditDropped reports audit events discarded under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) emit(name string, req *Request, exec *Execution, detail map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	event := audit.Event{
		Name:   name,
		At:     e.now(),
		Detail: detail,
	}
	if req != nil {
		event.SessionID = req.SessionID
	}
	if exec != nil {
		event.FlowSlug = exec.flow.Slug
		if exec.context.Pending != nil {
			event.UserID = exec.context.Pending.User.ID
		} else if exec.context.User != nil {
			event.UserID = exec.context.User.ID
		}
	}
	e.audit.Emit(event)
}
