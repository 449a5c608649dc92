package conflict

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/syncwell/calbridge/internal/event"
)

func eventModifiedAt(t time.Time) *event.NormalizedEvent {
	return &event.NormalizedEvent{
		UID:          "evt-1",
		Title:        "Planning",
		LastModified: t,
	}
}

func TestLatestWinsPicksNewer(t *testing.T) {
	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	policy := &LatestWins{}

	if got := policy.Resolve(eventModifiedAt(base.Add(time.Hour)), eventModifiedAt(base), nil); got != SideSource {
		t.Errorf("Resolve() = %v, want source when source is newer", got)
	}
	if got := policy.Resolve(eventModifiedAt(base), eventModifiedAt(base.Add(time.Hour)), nil); got != SideDest {
		t.Errorf("Resolve() = %v, want dest when dest is newer", got)
	}
}

func TestLatestWinsTieBreak(t *testing.T) {
	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)

	policy := &LatestWins{}
	if got := policy.Resolve(eventModifiedAt(base), eventModifiedAt(base), nil); got != SideSource {
		t.Errorf("Resolve() tie = %v, want source by default", got)
	}

	policy = &LatestWins{TieBreak: SideDest}
	if got := policy.Resolve(eventModifiedAt(base), eventModifiedAt(base), nil); got != SideDest {
		t.Errorf("Resolve() tie = %v, want dest with TieBreak", got)
	}
}

func TestLatestWinsMissingTimestamps(t *testing.T) {
	policy := &LatestWins{}
	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)

	// A missing timestamp on either side is a tie, not a loss
	if got := policy.Resolve(eventModifiedAt(time.Time{}), eventModifiedAt(base), nil); got != SideSource {
		t.Errorf("Resolve() = %v, want source when source is unstamped", got)
	}
	if got := policy.Resolve(eventModifiedAt(base), eventModifiedAt(time.Time{}), nil); got != SideSource {
		t.Errorf("Resolve() = %v, want source when dest is unstamped", got)
	}
	if got := policy.Resolve(eventModifiedAt(time.Time{}), eventModifiedAt(time.Time{}), nil); got != SideSource {
		t.Errorf("Resolve() = %v, want source when neither is stamped", got)
	}
}

func TestLatestWinsDeterministic(t *testing.T) {
	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	policy := &LatestWins{TieBreak: SideDest}
	src := eventModifiedAt(base)
	dst := eventModifiedAt(base)

	first := policy.Resolve(src, dst, nil)
	for i := 0; i < 10; i++ {
		if got := policy.Resolve(src, dst, nil); got != first {
			t.Fatalf("Resolve() flapped from %v to %v on iteration %d", first, got, i)
		}
	}
}

func TestFixedPolicies(t *testing.T) {
	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	newer := eventModifiedAt(base.Add(time.Hour))
	older := eventModifiedAt(base)

	if got := SourceWins().Resolve(older, newer, nil); got != SideSource {
		t.Errorf("SourceWins().Resolve() = %v, want source", got)
	}
	if got := DestWins().Resolve(newer, older, nil); got != SideDest {
		t.Errorf("DestWins().Resolve() = %v, want dest", got)
	}
}

func TestForName(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		wantErr bool
	}{
		{name: ""},
		{name: "latest-wins"},
		{name: "source-wins"},
		{name: "dest-wins"},
		{name: "newest-first", wantErr: true},
	}

	for _, tt := range tests {
		policy, err := ForName(ctx, tt.name, SideSource)
		if (err != nil) != tt.wantErr {
			t.Errorf("ForName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && policy == nil {
			t.Errorf("ForName(%q) returned nil policy", tt.name)
		}
	}
}

func TestForNameTieBreak(t *testing.T) {
	policy, err := ForName(context.Background(), "latest-wins", SideDest)
	if err != nil {
		t.Fatalf("ForName() error = %v", err)
	}

	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	if got := policy.Resolve(eventModifiedAt(base), eventModifiedAt(base), nil); got != SideDest {
		t.Errorf("Resolve() tie = %v, want dest", got)
	}
}

func TestOpposite(t *testing.T) {
	if got := SideSource.Opposite(); got != SideDest {
		t.Errorf("SideSource.Opposite() = %v, want dest", got)
	}
	if got := SideDest.Opposite(); got != SideSource {
		t.Errorf("SideDest.Opposite() = %v, want source", got)
	}
}

// destWinsWhenNewer is a compiled WebAssembly module equivalent to:
//
//	(module
//	  (func (export "resolve") (param i64 i64) (result i32)
//	    local.get 1
//	    local.get 0
//	    i64.gt_s))
//
// It keeps the destination copy exactly when its timestamp is newer.
var destWinsWhenNewer = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7e, 0x7e, 0x01, 0x7f, // type: (i64, i64) -> i32
	0x03, 0x02, 0x01, 0x00, // function section
	0x07, 0x0b, 0x01, 0x07, 0x72, 0x65, 0x73, 0x6f, 0x6c, 0x76, 0x65, 0x00, 0x00, // export "resolve"
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x01, 0x20, 0x00, 0x55, 0x0b, // code
}

func TestWasmPolicy(t *testing.T) {
	ctx := context.Background()

	policy, err := NewWasmPolicy(ctx, destWinsWhenNewer)
	if err != nil {
		t.Fatalf("NewWasmPolicy() error = %v", err)
	}
	defer policy.Close(ctx)

	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)

	if got := policy.Resolve(eventModifiedAt(base), eventModifiedAt(base.Add(time.Hour)), nil); got != SideDest {
		t.Errorf("Resolve() = %v, want dest when dest is newer", got)
	}
	if got := policy.Resolve(eventModifiedAt(base.Add(time.Hour)), eventModifiedAt(base), nil); got != SideSource {
		t.Errorf("Resolve() = %v, want source when source is newer", got)
	}
	// Module treats a tie as source
	if got := policy.Resolve(eventModifiedAt(base), eventModifiedAt(base), nil); got != SideSource {
		t.Errorf("Resolve() tie = %v, want source", got)
	}
}

func TestWasmPolicyMissingExport(t *testing.T) {
	// A valid module with no exports at all
	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	_, err := NewWasmPolicy(context.Background(), empty)
	if err == nil {
		t.Fatal("NewWasmPolicy() accepted a module without a resolve export")
	}
}

func TestLoadWasmPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.wasm")
	if err := os.WriteFile(path, destWinsWhenNewer, 0600); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	policy, err := LoadWasmPolicy(ctx, path)
	if err != nil {
		t.Fatalf("LoadWasmPolicy() error = %v", err)
	}
	defer policy.Close(ctx)

	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	if got := policy.Resolve(eventModifiedAt(base), eventModifiedAt(base.Add(time.Minute)), nil); got != SideDest {
		t.Errorf("Resolve() = %v, want dest", got)
	}
}

func TestForNameWasm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.wasm")
	if err := os.WriteFile(path, destWinsWhenNewer, 0600); err != nil {
		t.Fatal(err)
	}

	policy, err := ForName(context.Background(), "wasm:"+path, SideSource)
	if err != nil {
		t.Fatalf("ForName() error = %v", err)
	}
	if _, ok := policy.(*WasmPolicy); !ok {
		t.Errorf("ForName() returned %T, want *WasmPolicy", policy)
	}
}
