package session

// Phase is the controller's single source of truth for where the grounding
// session is. Only the controller writes it.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseLoadingProfile Phase = "loading_profile"
	PhasePreCall        Phase = "pre_call"
	PhaseConnecting     Phase = "connecting"
	PhaseActive         Phase = "active"
	PhaseEnding         Phase = "ending"
	PhaseSummary        Phase = "summary"
	PhaseError          Phase = "error"
)

// inCall reports whether a call session is live in p.
func (p Phase) inCall() bool {
	return p == PhaseConnecting || p == PhaseActive
}

// CallStatus is the lifecycle of one CallSession.
type CallStatus string

const (
	StatusConnecting CallStatus = "connecting"
	StatusActive     CallStatus = "active"
	StatusEnding     CallStatus = "ending"
	StatusEnded      CallStatus = "ended"
	StatusFailed     CallStatus = "failed"
)

// End reasons recorded on the session.
const (
	EndReasonUser            = "user"
	EndReasonRemote          = "remote"
	EndReasonEndConversation = "end_conversation"
	EndReasonMaxDuration     = "max_duration"
)
