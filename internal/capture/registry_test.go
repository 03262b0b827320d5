package capture_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/kestrelaudio/kestrel/internal/capture"
	"github.com/kestrelaudio/kestrel/internal/store"
)

func newTestRegistry(t *testing.T) *capture.Registry {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return capture.NewRegistry(db, zap.NewNop())
}

func TestRegistry_BeginEndRoundTrip(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	h, err := reg.Begin("Kestrel Badge")
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if h.ID == "" {
		t.Fatal("Begin() returned empty capture ID")
	}

	recs, err := reg.List(10)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].DeviceName != "Kestrel Badge" {
		t.Errorf("device name = %q, want %q", recs[0].DeviceName, "Kestrel Badge")
	}
	if recs[0].EndedAt != nil {
		t.Error("capture marked ended before End()")
	}

	if err := reg.End(h); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	recs, err = reg.List(10)
	if err != nil {
		t.Fatalf("List() after End error: %v", err)
	}
	if recs[0].EndedAt == nil {
		t.Error("capture not marked ended after End()")
	}
}

func TestRegistry_EndIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	h, err := reg.Begin("badge")
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := reg.End(h); err != nil {
			t.Fatalf("End() #%d error: %v", i+1, err)
		}
	}
	if err := reg.End(nil); err != nil {
		t.Fatalf("End(nil) error: %v", err)
	}
}

func TestRegistry_ListNewestFirst(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	for _, name := range []string{"a", "b", "c"} {
		if _, err := reg.Begin(name); err != nil {
			t.Fatalf("Begin(%q) error: %v", name, err)
		}
	}

	recs, err := reg.List(2)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2 (limit)", len(recs))
	}
}
