package orchestrator

import "fmt"

// Rejection reasons surfaced synchronously to the caller. A rejected request
// never starts a build.
const (
	ReasonMissingField              = "missing_field"
	ReasonInfrastructureUnavailable = "infrastructure_unavailable"
	ReasonProvisionFailed           = "provision_failed"
)

// Rejection is the typed error for requests the orchestrator refuses.
type Rejection struct {
	Reason string
	err    error
}

func reject(reason string, err error) *Rejection {
	return &Rejection{Reason: reason, err: err}
}

// Error satisfies the error interface.
func (r *Rejection) Error() string {
	if r.err == nil {
		return r.Reason
	}
	return fmt.Sprintf("%s: %v", r.Reason, r.err)
}

// Unwrap exposes the underlying cause.
func (r *Rejection) Unwrap() error {
	return r.err
}
