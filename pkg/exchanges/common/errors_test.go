package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"rate limited", &APIError{Status: 429, Kind: ErrTransient}, KindTransient},
		{"server error", &APIError{Status: 503, Kind: ErrAmbiguous}, KindAmbiguous},
		{"margin", &APIError{Status: 400, Code: -2019, Kind: ErrRejected}, KindRejected},
		{"wrapped rejection", fmt.Errorf("place: %w", &APIError{Kind: ErrRejected}), KindRejected},
		{"deadline", fmt.Errorf("do: %w", context.DeadlineExceeded), KindAmbiguous},
		{"net timeout", timeoutErr{}, KindAmbiguous},
		{"unknown", errors.New("boom"), KindRejected},
		{"unknown order", ErrUnknownOrder, KindRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	if !MapStatus("FILLED").IsTerminal() || !MapStatus("cancelled").IsTerminal() {
		t.Fatalf("filled/cancelled should be terminal")
	}
	if MapStatus("NEW").IsTerminal() || MapStatus("PARTIALLY_FILLED").IsTerminal() {
		t.Fatalf("new/partial should not be terminal")
	}
}
