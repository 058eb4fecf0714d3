// Package pipelineerr defines the error kinds the pipeline's components
// raise and the single mapping from a kind to a queue-state transition.
//
// Workers never let a raw error reach the scheduler: every failure is
// classified here, persisted as last_error_code/last_error_message, and
// turned into a state transition. The scheduler only ever observes queue
// state, never a raised error.
package pipelineerr

import "fmt"

// ConfigError signals missing or malformed configuration (e.g. an
// encryption key of the wrong length). Fatal at startup.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

// DecryptError signals a Token Vault failure: tamper or wrong key. The
// record under operation is left untouched.
type DecryptError struct {
	Msg string
}

func (e *DecryptError) Error() string { return "vault: decrypt failed: " + e.Msg }

// RenderKind enumerates renderer failure subtypes.
type RenderKind string

const (
	RenderInvalidConfig RenderKind = "render_invalid_config"
	RenderFontMissing   RenderKind = "render_font_missing"
	RenderTooSmall      RenderKind = "render_too_small"
)

// RenderError is raised by the renderer; all subtypes push the record to
// FAILED immediately since retrying without a config change cannot help.
type RenderError struct {
	Kind RenderKind
	Msg  string
}

func (e *RenderError) Error() string { return fmt.Sprintf("render: %s: %s", e.Kind, e.Msg) }

// CDNUnavailable is a transient CDN publish failure; retried with backoff
// up to the render-stage retry maximum.
type CDNUnavailable struct {
	Msg string
}

func (e *CDNUnavailable) Error() string { return "cdn: unavailable: " + e.Msg }

// GraphKind classifies a Graph API error for retry/escalation purposes.
type GraphKind string

const (
	GraphTransient    GraphKind = "graph_transient"
	GraphInvalidInput GraphKind = "graph_invalid_input"
	GraphAuth         GraphKind = "graph_auth"
	GraphUnknown      GraphKind = "graph_unknown"
)

// GraphError is raised by the Graph Client. Kind drives the worker's
// transition: Transient retries with backoff, InvalidInput fails
// immediately, Auth marks the account degraded and requeues the record,
// Unknown gets a bounded retry then fails. An Auth error does not start a
// token refresh; a degraded account is also left out of the daily refresh.
type GraphError struct {
	Kind       GraphKind
	Msg        string
	RetryAfter int // seconds, 0 if not provided by the remote
}

func (e *GraphError) Error() string { return fmt.Sprintf("graph: %s: %s", e.Kind, e.Msg) }

// Code returns the stable string persisted to last_error_code.
func (e *GraphError) Code() string { return string(e.Kind) }

// ReconcileCorrection is informational: the reconciler flipped a record's
// state to match remote truth. It is never a failure.
type ReconcileCorrection struct {
	Code string // "reconciled_found" | "reconciled_missing"
	Msg  string
}

func (e *ReconcileCorrection) Error() string { return "reconcile: " + e.Code + ": " + e.Msg }

// Transition is the outcome of classifying an error: which state the
// record should move to, what code/message to persist, and whether the
// caller should schedule a retry.
type Transition struct {
	NextStatus string
	Code       string
	Message    string
	Retryable  bool
	Degrade    bool // true: mark the owning account degraded (no token refresh is started)
}

// Classify maps any error the pipeline's components can raise to the
// queue transition the worker should apply. prevStatus is the status the
// record was in before the attempt (used for TRANSIENT rollback).
func Classify(err error, prevStatus string) Transition {
	switch e := err.(type) {
	case *RenderError:
		return Transition{NextStatus: "failed", Code: string(e.Kind), Message: e.Msg}
	case *CDNUnavailable:
		return Transition{NextStatus: prevStatus, Code: "cdn_unavailable", Message: e.Msg, Retryable: true}
	case *GraphError:
		switch e.Kind {
		case GraphTransient:
			return Transition{NextStatus: prevStatus, Code: e.Code(), Message: e.Msg, Retryable: true}
		case GraphInvalidInput:
			return Transition{NextStatus: "failed", Code: e.Code(), Message: e.Msg}
		case GraphAuth:
			return Transition{NextStatus: prevStatus, Code: e.Code(), Message: e.Msg, Retryable: true, Degrade: true}
		default: // GraphUnknown
			return Transition{NextStatus: prevStatus, Code: e.Code(), Message: e.Msg, Retryable: true}
		}
	case *DecryptError:
		return Transition{NextStatus: prevStatus, Code: "vault_decrypt_error", Message: e.Msg}
	case *ConfigError:
		return Transition{NextStatus: prevStatus, Code: "config_error", Message: e.Msg}
	default:
		return Transition{NextStatus: prevStatus, Code: "unknown_error", Message: err.Error(), Retryable: true}
	}
}
