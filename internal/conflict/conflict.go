// Package conflict decides which copy of an event survives when both sides
// of a mapping changed it since the last successful sync.
//
// A Policy receives the two competing versions and names the winner. The
// built-in policies cover the common cases:
//
//   - LatestWins: newest LAST-MODIFIED wins, ties go to a configured side
//   - SourceWins / DestWins: one side always wins
//   - WasmPolicy: a user-supplied WebAssembly module decides
//
// Policies must be deterministic: given the same two versions they must
// return the same winner on every run, or repeated syncs would not
// converge.
package conflict

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/syncwell/calbridge/internal/event"
	"github.com/syncwell/calbridge/internal/registry"
)

// Side identifies one side of a mapping.
type Side string

const (
	// SideSource is the CalDAV side of a mapping.
	SideSource Side = "source"
	// SideDest is the remote API side of a mapping.
	SideDest Side = "dest"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideSource {
		return SideDest
	}
	return SideSource
}

// Policy decides which side of a conflicting edit wins.
type Policy interface {
	// Resolve returns the side whose version should be kept. Both events
	// describe the same instance; either may be a deletion tombstone. The
	// correlation record carries the hashes from the last successful sync
	// for policies that want three-way context; it may be nil for events
	// never synced before.
	Resolve(source, dest *event.NormalizedEvent, rec *registry.Correlation) Side
}

// PolicyFunc adapts a plain function to the Policy interface.
type PolicyFunc func(source, dest *event.NormalizedEvent, rec *registry.Correlation) Side

// Resolve calls f(source, dest, rec).
func (f PolicyFunc) Resolve(source, dest *event.NormalizedEvent, rec *registry.Correlation) Side {
	return f(source, dest, rec)
}

// LatestWins keeps the version with the newer LAST-MODIFIED timestamp.
// Equal timestamps, or a missing timestamp on either side, go to TieBreak,
// or to the source side when TieBreak is unset.
type LatestWins struct {
	TieBreak Side
}

// Resolve implements Policy.
func (p *LatestWins) Resolve(source, dest *event.NormalizedEvent, rec *registry.Correlation) Side {
	src := modifiedAt(source)
	dst := modifiedAt(dest)

	if src.IsZero() || dst.IsZero() || src.Equal(dst) {
		if p.TieBreak == SideDest {
			return SideDest
		}
		return SideSource
	}
	if src.After(dst) {
		return SideSource
	}
	return SideDest
}

// SourceWins returns a policy that always keeps the source copy.
func SourceWins() Policy {
	return PolicyFunc(func(source, dest *event.NormalizedEvent, rec *registry.Correlation) Side {
		return SideSource
	})
}

// DestWins returns a policy that always keeps the destination copy.
func DestWins() Policy {
	return PolicyFunc(func(source, dest *event.NormalizedEvent, rec *registry.Correlation) Side {
		return SideDest
	})
}

// ForName builds the policy named in a mapping's configuration.
//
// Recognized names:
//
//	latest-wins   newest LAST-MODIFIED wins, tieBreak on ties
//	source-wins   the CalDAV side always wins
//	dest-wins     the remote side always wins
//	wasm:<path>   load a WebAssembly policy module from path
//
// An empty name selects latest-wins.
func ForName(ctx context.Context, name string, tieBreak Side) (Policy, error) {
	if path, ok := strings.CutPrefix(name, "wasm:"); ok {
		return LoadWasmPolicy(ctx, path)
	}

	switch name {
	case "", "latest-wins":
		return &LatestWins{TieBreak: tieBreak}, nil
	case "source-wins":
		return SourceWins(), nil
	case "dest-wins":
		return DestWins(), nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q (available: latest-wins, source-wins, dest-wins, wasm:<path>)", name)
	}
}

// modifiedAt reads the last-modified instant, treating missing values as
// the zero time.
func modifiedAt(ev *event.NormalizedEvent) time.Time {
	if ev == nil {
		return time.Time{}
	}
	return ev.LastModified
}
