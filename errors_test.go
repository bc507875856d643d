package profsync

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := errf(KindNotFound, "u1", "record does not exist")
	if KindOf(err) != KindNotFound || !IsNotFound(err) {
		t.Fatalf("kind = %v", KindOf(err))
	}
	if KindOf(errors.New("foreign")) != KindUnknown {
		t.Fatal("foreign error did not map to unknown")
	}
	if KindOf(nil) != KindUnknown {
		t.Fatal("nil error did not map to unknown")
	}
}

func TestKindOfSeesThroughWrapping(t *testing.T) {
	inner := errf(KindVersionConflict, "u1", "conflict")
	wrapped := fmt.Errorf("outer: %w", inner)
	if !IsConflict(wrapped) {
		t.Fatalf("wrapped kind = %v", KindOf(wrapped))
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := wrapErr(KindTransientStore, "u1", cause)
	if !errors.Is(err, cause) {
		t.Fatal("unwrap lost the cause")
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindVersionConflict, Key: "u1", Attempts: 9, Msg: "CAS retries exhausted"}
	s := err.Error()
	for _, want := range []string{"version_conflict", `"u1"`, "attempts=9", "CAS retries exhausted"} {
		if !strings.Contains(s, want) {
			t.Fatalf("error string %q missing %q", s, want)
		}
	}
}
