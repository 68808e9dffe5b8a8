package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewRunID ensures generated IDs are unique, time-ordered UUIDv7s.
func TestGeneratorNewRunID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewRunID()
	if err != nil {
		t.Fatalf("NewRunID() error = %v", err)
	}
	id2, err := gen.NewRunID()
	if err != nil {
		t.Fatalf("NewRunID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	if id1.Version() != 7 {
		t.Fatalf("expected version 7, got %d", id1.Version())
	}
	if id1.String() >= id2.String() {
		t.Fatalf("expected time-ordered IDs, got %s then %s", id1, id2)
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()

	want := goUUID.MustParse("0190c2f5-8f1e-7c3a-9d4b-123456789abc")
	got, err := Static(want).NewRunID()
	if err != nil || got != want {
		t.Fatalf("Static.NewRunID() = %s, %v", got, err)
	}
	if _, err := Static(goUUID.Nil).NewRunID(); err == nil {
		t.Fatal("expected error for nil static id")
	}
}
