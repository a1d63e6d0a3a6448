package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestNewCarriesCallerLocation(t *testing.T) {
	err := New("bad thing %d", 7)
	if !strings.HasPrefix(err.Error(), "[errors_test.go:") {
		t.Errorf("expected caller prefix, got %q", err.Error())
	}
	if !strings.HasSuffix(err.Error(), "bad thing 7") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestWrapfNil(t *testing.T) {
	if Wrapf(nil, "ignored") != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
}

func TestWrapfKeepsChain(t *testing.T) {
	base := fmt.Errorf("root")
	err := Wrapf(base, "context")
	if !Is(err, base) {
		t.Fatal("wrapped error should match its cause")
	}
	if !strings.Contains(err.Error(), "context: root") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestKindMatching(t *testing.T) {
	err := Wrapf(ErrIterationLimit, "turn failed")
	if !Is(err, ErrIterationLimit) {
		t.Fatal("expected iteration limit to match through wrapping")
	}
	if KindOf(err) != KindIterationLimit {
		t.Errorf("KindOf = %q", KindOf(err))
	}

	other := NewKind(KindProviderAuth, "unauthorized")
	if Is(other, ErrIterationLimit) {
		t.Error("different kinds must not match")
	}
	if KindOf(fmt.Errorf("plain")) != "" {
		t.Error("plain errors have no kind")
	}
}

func TestWithKindNil(t *testing.T) {
	if WithKind(KindToolExecution, nil, "x") != nil {
		t.Fatal("WithKind(nil) should be nil")
	}
}
