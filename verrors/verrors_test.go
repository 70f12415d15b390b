package verrors

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestKindOfClassifiesEachConstructor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"invalid_argument", NewInvalidArgument("op", nil), KindInvalidArgument},
		{"resource_exhausted", NewResourceExhausted("op", nil), KindResourceExhausted},
		{"transient_io", NewTransientIO("op", fmt.Errorf("boom")), KindTransientIO},
		{"stream_timeout", NewStreamTimeout(3, 10*time.Second), KindStreamTimeout},
		{"decoder_timeout", NewDecoderTimeout(3, 30*time.Second), KindDecoderTimeout},
		{"surface_lost", NewSurfaceLost(3, "lock failure"), KindSurfaceLost},
		{"recovery_exhausted", NewRecoveryExhausted(3, 5), KindRecoveryExhausted},
		{"fatal", NewFatal("op", nil), KindFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
			}
			if !Is(tc.err, tc.want) {
				t.Fatalf("Is(err, %v) = false, want true", tc.want)
			}
		})
	}
}

func TestKindOfNilAndPlainError(t *testing.T) {
	if got := KindOf(nil); got != KindUnknown {
		t.Fatalf("KindOf(nil) = %v, want KindUnknown", got)
	}
	if got := KindOf(fmt.Errorf("plain")); got != KindUnknown {
		t.Fatalf("KindOf(plain error) = %v, want KindUnknown", got)
	}
}

func TestIsTimeoutCoversBothTimeoutKindsAndDeadlineExceeded(t *testing.T) {
	if !IsTimeout(NewStreamTimeout(1, time.Second)) {
		t.Fatalf("IsTimeout(StreamTimeoutError) = false")
	}
	if !IsTimeout(NewDecoderTimeout(1, time.Second)) {
		t.Fatalf("IsTimeout(DecoderTimeoutError) = false")
	}
	if !IsTimeout(fmt.Errorf("wrap: %w", context.DeadlineExceeded)) {
		t.Fatalf("IsTimeout(wrapped context.DeadlineExceeded) = false")
	}
	if IsTimeout(NewFatal("op", nil)) {
		t.Fatalf("IsTimeout(FatalError) = true, want false")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := NewTransientIO("decoder.decode", cause)
	type unwrapper interface{ Unwrap() error }
	u, ok := err.(unwrapper)
	if !ok {
		t.Fatalf("TransientIOError does not implement Unwrap")
	}
	if u.Unwrap() != cause {
		t.Fatalf("Unwrap() = %v, want %v", u.Unwrap(), cause)
	}
}
