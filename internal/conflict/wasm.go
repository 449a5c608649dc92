package conflict

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/syncwell/calbridge/internal/event"
	"github.com/syncwell/calbridge/internal/registry"
)

// WasmPolicy runs a user-supplied WebAssembly module to decide conflicts.
// This lets operators ship custom resolution logic without rebuilding the
// binary.
//
// The module must export a function
//
//	resolve(source_modified_unix_nano i64, dest_modified_unix_nano i64) -> i32
//
// returning 0 to keep the source copy and any other value to keep the
// destination copy. Events without a LAST-MODIFIED timestamp are passed
// as 0.
type WasmPolicy struct {
	runtime wazero.Runtime
	resolve api.Function

	// wazero function calls are not concurrency-safe
	mu sync.Mutex
}

// LoadWasmPolicy reads a compiled WebAssembly module from path and prepares
// it for use. The caller should Close the policy when done.
func LoadWasmPolicy(ctx context.Context, path string) (*WasmPolicy, error) {
	// #nosec G304 - controlled path from mapping configuration
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy module: %w", err)
	}
	return NewWasmPolicy(ctx, wasmBytes)
}

// NewWasmPolicy instantiates a WebAssembly policy from compiled module
// bytes.
func NewWasmPolicy(ctx context.Context, wasmBytes []byte) (*WasmPolicy, error) {
	runtime := wazero.NewRuntime(ctx)

	mod, err := runtime.Instantiate(ctx, wasmBytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate policy module: %w", err)
	}

	resolve := mod.ExportedFunction("resolve")
	if resolve == nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("policy module does not export a resolve function")
	}

	return &WasmPolicy{runtime: runtime, resolve: resolve}, nil
}

// Resolve implements Policy. If the module traps, the source side wins so a
// broken policy degrades to source-wins instead of failing the run.
func (p *WasmPolicy) Resolve(source, dest *event.NormalizedEvent, rec *registry.Correlation) Side {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := p.resolve.Call(context.Background(),
		api.EncodeI64(modifiedNano(source)),
		api.EncodeI64(modifiedNano(dest)),
	)
	if err != nil || len(res) == 0 {
		return SideSource
	}
	if api.DecodeI32(res[0]) == 0 {
		return SideSource
	}
	return SideDest
}

// Close releases the WebAssembly runtime.
func (p *WasmPolicy) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

func modifiedNano(ev *event.NormalizedEvent) int64 {
	if ev == nil || ev.LastModified.IsZero() {
		return 0
	}
	return ev.LastModified.UnixNano()
}
