package deploy

import "net/http"

// State is the orchestrator's position in the deploy pipeline.
type State int32

const (
	Idle State = iota
	Verifying
	Pulling
	Building
	Restarting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Verifying:
		return "verifying"
	case Pulling:
		return "pulling"
	case Building:
		return "building"
	case Restarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// TriggerKind names what started an attempt.
type TriggerKind string

const (
	TriggerPush        TriggerKind = "push"
	TriggerManualToken TriggerKind = "manual-token"
	TriggerDevChange   TriggerKind = "dev-change"
	TriggerSchedule    TriggerKind = "schedule"
	TriggerAdmin       TriggerKind = "admin"
)

// Outcome is the terminal result of an attempt.
type Outcome string

const (
	OutcomeSkipped          Outcome = "skipped"
	OutcomeBusy             Outcome = "busy"
	OutcomeSignatureInvalid Outcome = "signature-invalid"
	OutcomePullFailed       Outcome = "pull-failed"
	OutcomeBuildFailed      Outcome = "build-failed"
	OutcomeSuccess          Outcome = "success"
)

// HTTPStatus maps an outcome to the status returned to the webhook sender.
func (o Outcome) HTTPStatus() int {
	switch o {
	case OutcomeSuccess, OutcomeSkipped:
		return http.StatusOK
	case OutcomeSignatureInvalid:
		return http.StatusForbidden
	case OutcomeBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
