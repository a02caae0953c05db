package dialog

import "testing"

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name string
		from CallState
		to   CallState
		want bool
	}{
		{"idle to inviting", StateIdle, StateInviting, true},
		{"inviting to ringing", StateInviting, StateRinging, true},
		{"inviting straight to connected", StateInviting, StateConnected, true},
		{"ringing to early media", StateRinging, StateEarlyMedia, true},
		{"early media to connected", StateEarlyMedia, StateConnected, true},
		{"connected to terminating", StateConnected, StateTerminating, true},
		{"terminating to terminated", StateTerminating, StateTerminated, true},
		{"idle straight to connected", StateIdle, StateConnected, false},
		{"connected back to ringing", StateConnected, StateRinging, false},
		{"terminated to anything", StateTerminated, StateConnected, false},
		{"failed to anything", StateFailed, StateInviting, false},
		{"terminating back to connected", StateTerminating, StateConnected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("%v.CanTransitionTo(%v) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []CallState{StateIdle, StateInviting, StateRinging, StateEarlyMedia, StateConnected, StateTerminating} {
		if s.IsTerminal() {
			t.Errorf("%v.IsTerminal() = true, want false", s)
		}
	}
	for _, s := range []CallState{StateTerminated, StateFailed} {
		if !s.IsTerminal() {
			t.Errorf("%v.IsTerminal() = false, want true", s)
		}
	}
}

func TestEveryStateCanFail(t *testing.T) {
	for _, s := range []CallState{StateIdle, StateInviting, StateRinging, StateEarlyMedia, StateConnected, StateTerminating} {
		if !s.CanTransitionTo(StateFailed) {
			t.Errorf("%v cannot transition to Failed", s)
		}
	}
}

func TestStateStrings(t *testing.T) {
	if got := StateConnected.String(); got != "Connected" {
		t.Errorf("String() = %q, want Connected", got)
	}
	if got := CallState(99).String(); got != "Unknown(99)" {
		t.Errorf("String() = %q, want Unknown(99)", got)
	}
	if got := ReasonVoicemail.String(); got != "Voicemail" {
		t.Errorf("String() = %q, want Voicemail", got)
	}
}
