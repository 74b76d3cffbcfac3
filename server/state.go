package server

import "fmt"

// FlowState is the position of one authorization in the protocol.
type FlowState string

// Flow states.
const (
	StateStart          FlowState = "START"
	StateAuthenticated  FlowState = "AUTHENTICATED"
	StateConsentPending FlowState = "CONSENT_PENDING"
	StateConsentGranted FlowState = "CONSENT_GRANTED"
	StateConsentDenied  FlowState = "CONSENT_DENIED"
	StateCodeIssued     FlowState = "CODE_ISSUED"
	StateTokenExchanged FlowState = "TOKEN_EXCHANGED"
	StateTerminal       FlowState = "TERMINAL"
)

// Any state may fail into TERMINAL.
var transitions = map[FlowState][]FlowState{
	StateStart:          {StateAuthenticated},
	StateAuthenticated:  {StateConsentPending, StateConsentGranted},
	StateConsentPending: {StateConsentGranted, StateConsentDenied},
	StateConsentGranted: {StateCodeIssued},
	StateConsentDenied:  {},
	StateCodeIssued:     {StateTokenExchanged},
	StateTokenExchanged: {},
}

// CanTransitionTo reports whether next may follow s.
func (s FlowState) CanTransitionTo(next FlowState) bool {
	if s == StateTerminal {
		return false
	}
	if next == StateTerminal {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// flow tracks the state of a single request through the protocol steps.
type flow struct {
	state FlowState
}

func newFlow(start FlowState) *flow {
	return &flow{state: start}
}

func (f *flow) to(next FlowState) error {
	if !f.state.CanTransitionTo(next) {
		return fmt.Errorf("illegal flow transition %s -> %s", f.state, next)
	}
	f.state = next
	return nil
}
