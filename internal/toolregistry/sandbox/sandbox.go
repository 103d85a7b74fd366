// Package sandbox runs a tool handler's WASM module under wazero with a
// wall-clock timeout and a per-module memory-page cap. It covers the
// single "run one exported function and collect its result" path a tool
// invocation needs; host-function wiring and fault bookkeeping are the
// caller's concern.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/basket/agentcore/internal/shared"
)

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page is 64KB).
const DefaultMemoryLimitPages = 160

// DefaultTimeout is the wall-clock limit for a single module invocation.
const DefaultTimeout = 10 * time.Second

type Config struct {
	MemoryLimitPages uint32
	Timeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Sandbox owns one wazero runtime and the modules compiled into it. A
// handler that wants isolation compiles its module once at registration
// time and calls Invoke per tool call.
type Sandbox struct {
	cfg     Config
	runtime wazero.Runtime
	timeout time.Duration

	mu      sync.Mutex
	modules map[string]api.Module
}

func New(ctx context.Context, cfg Config) *Sandbox {
	cfg = cfg.withDefaults()
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	return &Sandbox{
		cfg:     cfg,
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		timeout: cfg.Timeout,
		modules: make(map[string]api.Module),
	}
}

func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	for name, m := range s.modules {
		_ = m.Close(ctx)
		delete(s.modules, name)
	}
	s.mu.Unlock()
	return s.runtime.Close(ctx)
}

// LoadModule compiles and instantiates wasmBytes under name, replacing any
// module previously loaded under the same name.
func (s *Sandbox) LoadModule(ctx context.Context, name string, wasmBytes []byte) error {
	compiled, err := s.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return shared.NewInvalidInput("sandbox.LoadModule", fmt.Errorf("compile module %s: %w", name, err), map[string]any{"name": name})
	}

	s.mu.Lock()
	if old, ok := s.modules[name]; ok {
		_ = old.Close(ctx)
		delete(s.modules, name)
	}
	s.mu.Unlock()

	module, err := s.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return shared.NewInternal("sandbox.LoadModule", fmt.Errorf("instantiate module %s: %w", name, err), map[string]any{"name": name})
	}

	s.mu.Lock()
	s.modules[name] = module
	s.mu.Unlock()
	return nil
}

// Invoke calls export on the module loaded under name within the
// sandbox's configured timeout, returning its first result value.
func (s *Sandbox) Invoke(ctx context.Context, name, export string, args ...uint64) (uint64, error) {
	s.mu.Lock()
	module, ok := s.modules[name]
	s.mu.Unlock()
	if !ok {
		return 0, shared.NewNotFound("sandbox.Invoke", fmt.Errorf("module %q not loaded", name), map[string]any{"name": name})
	}

	fn := module.ExportedFunction(export)
	if fn == nil {
		return 0, shared.NewInvalidInput("sandbox.Invoke", fmt.Errorf("module %q has no export %q", name, export), map[string]any{"name": name, "export": export})
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results, err := fn.Call(callCtx, args...)
	if err != nil {
		return 0, classifyFault(name, export, err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0], nil
}

func classifyFault(module, export string, err error) error {
	fields := map[string]any{"module": module, "export": export}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return shared.NewTimeout("sandbox.Invoke", err, fields)
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return shared.NewTimeout("sandbox.Invoke", err, fields)
	}
	return shared.NewInternal("sandbox.Invoke", err, fields)
}
