package session

import "errors"

var (
	// ErrInvalidTransition is returned when an operation is not offered in
	// the current phase.
	ErrInvalidTransition = errors.New("session: operation not allowed in current phase")
	// ErrSuperseded is returned when a reset or newer attempt overtook an
	// operation while it was waiting on an external call.
	ErrSuperseded = errors.New("session: attempt superseded")
	// ErrNoPatient is returned when a profile is selected without an id.
	ErrNoPatient = errors.New("session: patient id required")
)

// ErrorKind classifies every failure the user can see.
type ErrorKind string

const (
	KindConfiguration       ErrorKind = "configuration"
	KindMicrophone          ErrorKind = "microphone"
	KindProfileLoad         ErrorKind = "profile_load"
	KindConnection          ErrorKind = "connection"
	KindCallDropped         ErrorKind = "call_dropped"
	KindMissingProfileField ErrorKind = "missing_profile_field"
)

// Recovery actions offered from the error phase. Every error also offers
// ActionChangeProfile.
const (
	ActionRecheckConfiguration = "recheck_configuration"
	ActionRecheckMicrophone    = "recheck_microphone"
	ActionRetryFetch           = "retry_fetch"
	ActionRetryConnection      = "retry_connection"
	ActionReloadProfile        = "reload_profile"
	ActionChangeProfile        = "change_profile"
)

// Error is a classified failure. Err holds the underlying cause for logs and
// is never shown to the user.
type Error struct {
	Kind        ErrorKind
	Message     string
	Remediation []string
	Recovery    string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classify(kind ErrorKind, cause error) *Error {
	e := &Error{Kind: kind, Err: cause}
	switch kind {
	case KindConfiguration:
		e.Message = "The voice service is not set up yet."
		e.Remediation = []string{"Ask the person who manages this device to add the voice service key."}
		e.Recovery = ActionRecheckConfiguration
	case KindMicrophone:
		e.Message = "We need permission to use the microphone."
		e.Remediation = []string{
			"Allow microphone access when the device asks.",
			"If you said no before, turn microphone access back on in the device settings.",
			"Make sure a microphone is connected, then try again.",
		}
		e.Recovery = ActionRecheckMicrophone
	case KindProfileLoad:
		e.Message = "We couldn't load this profile."
		e.Recovery = ActionRetryFetch
	case KindConnection:
		e.Message = "Could not connect the call."
		e.Recovery = ActionRetryConnection
	case KindCallDropped:
		e.Message = "The call was disconnected."
		e.Recovery = ActionRetryConnection
	case KindMissingProfileField:
		e.Message = "This profile is missing details needed for a call."
		e.Recovery = ActionReloadProfile
	}
	return e
}
