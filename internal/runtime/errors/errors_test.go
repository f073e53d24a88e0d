package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorRendersPrefixAndCause(t *testing.T) {
	cause := errors.New("lock held by another receiver")
	err := New(ErrSessionUnavailable, `Failed to accept session "S1"`, cause)

	want := `Failed to accept session "S1": lock held by another receiver`
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Fatal("expected kind to match")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to match")
	}
	if errors.Is(err, ErrNoSessionsAvailable) {
		t.Fatal("unexpected kind match")
	}
}

func TestErrorWithoutMessageFallsBackToKind(t *testing.T) {
	err := New(ErrSink, "", nil)
	if got := err.Error(); got != ErrSink.Error() {
		t.Fatalf("Error() = %q, want %q", got, ErrSink.Error())
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrConfiguration, errors.New("missing"), "invalid %s", "Endpoint")
	if got := err.Error(); got != "invalid Endpoint: missing" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", errors.New("boom"), nil},
		{"direct sentinel", ErrStateCodec, ErrStateCodec},
		{"wrapped struct", New(ErrNoSessionsAvailable, "accept next", nil), ErrNoSessionsAvailable},
		{"fmt wrapped", fmt.Errorf("outer: %w", New(ErrTransport, "link", nil)), ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsSessionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unknown cause", errors.New("amqp link detached"), true},
		{"session unavailable", ErrSessionUnavailable, true},
		{"transport", ErrTransport, true},
		{"configuration", New(ErrConfiguration, "bad", nil), false},
		{"codec", ErrStateCodec, false},
		{"idle", ErrIdle, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSessionError(tt.err); got != tt.want {
				t.Fatalf("IsSessionError() = %v, want %v", got, tt.want)
			}
		})
	}
}
