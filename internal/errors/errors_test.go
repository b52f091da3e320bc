package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := UnknownCluster("cluster-7")
	msg := err.Error()
	if msg != "cluster cluster-7 has not been configured" {
		t.Errorf("Unexpected message: %s", msg)
	}
}

func TestError_Error_WithWrappedError(t *testing.T) {
	originalErr := errors.New("original error")
	err := Wrap(originalErr, KindUnknownCluster, "lookup failed")

	if err.Error() == "" {
		t.Error("Expected non-empty error message")
	}
	if !errors.Is(err, originalErr) {
		t.Error("Expected error to wrap original error")
	}
}

func TestError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	err := Wrap(originalErr, KindHiddenSecondary, "wrapped")

	if err.Unwrap() != originalErr {
		t.Errorf("Expected unwrapped error to be original, got %v", err.Unwrap())
	}
}

func TestIs(t *testing.T) {
	err := AlreadyThere("cluster-1/db")
	if !Is(err, KindAlreadyThere) {
		t.Error("Expected Is to match AlreadyThere kind")
	}
	if Is(err, KindConcurrentMigration) {
		t.Error("Expected Is to reject a different kind")
	}

	// Should see through fmt wrapping
	wrapped := fmt.Errorf("starting migration: %w", err)
	if !Is(wrapped, KindAlreadyThere) {
		t.Error("Expected Is to unwrap fmt-wrapped errors")
	}

	if Is(errors.New("plain"), KindAlreadyThere) {
		t.Error("Expected Is to reject plain errors")
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err  *Error
		kind Kind
	}{
		{UnknownCluster("a"), KindUnknownCluster},
		{InvalidLocation("a/b/c"), KindInvalidLocation},
		{RealmImmutable("users"), KindRealmImmutable},
		{ShardAlreadyPlaced("users", 5), KindShardAlreadyPlaced},
		{AlreadyThere("c/d"), KindAlreadyThere},
		{ConcurrentMigration(), KindConcurrentMigration},
		{MissingShardField("account_id"), KindMissingShardField},
		{MultipleShardsInTransit(), KindMultipleShardsInTransit},
		{HiddenSecondary("not hidden"), KindHiddenSecondary},
	}
	for _, c := range cases {
		if c.err.Kind != c.kind {
			t.Errorf("Expected kind %s, got %s", c.kind, c.err.Kind)
		}
		if c.err.Message == "" {
			t.Errorf("Expected non-empty message for kind %s", c.kind)
		}
	}
}
