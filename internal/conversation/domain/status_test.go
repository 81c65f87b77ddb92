package domain

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name   string
		from   Status
		to     Status
		wantOK bool
	}{
		{"active to handed_over", StatusActive, StatusHandedOver, true},
		{"active to closed", StatusActive, StatusClosed, true},
		{"handed_over to closed", StatusHandedOver, StatusClosed, true},
		{"handed_over back to active", StatusHandedOver, StatusActive, false},
		{"closed to active", StatusClosed, StatusActive, false},
		{"closed to handed_over", StatusClosed, StatusHandedOver, false},
		{"active to active", StatusActive, StatusActive, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.from.CanTransitionTo(tc.to); got != tc.wantOK {
				t.Fatalf("CanTransitionTo(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.wantOK)
			}
		})
	}
}

func TestStatusCanSendReply(t *testing.T) {
	if !StatusActive.CanSendReply() {
		t.Fatal("active conversation must allow AI replies")
	}
	if StatusHandedOver.CanSendReply() {
		t.Fatal("handed_over conversation must not allow AI replies")
	}
	if StatusClosed.CanSendReply() {
		t.Fatal("closed conversation must not allow AI replies")
	}
}
