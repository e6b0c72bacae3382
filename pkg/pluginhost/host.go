// Package pluginhost implements the Plugin Host (spec.md §4.12): a WASM
// instance pool, method dispatch, and a small sandboxed host-function ABI.
// The runtime is github.com/tetratelabs/wazero, the only pure-Go WASM
// runtime referenced anywhere in the retrieval corpus's MCP-adjacent
// projects (see SPEC_FULL.md's domain stack table and DESIGN.md).
package pluginhost

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/sweetmcp/gateway/pkg/gwerrors"
	"github.com/sweetmcp/gateway/pkg/log"
)

// Descriptor names the WASM module implementing one or more MCP tools.
type Descriptor struct {
	Method     string
	ModulePath string
}

// Config bounds plugin execution (spec.md §4.12).
type Config struct {
	// CallTimeout approximates the spec's "fuel/time budget": wazero has no
	// deterministic fuel-metering API the way wasmtime does, so the budget
	// is enforced as a wall-clock deadline on each invocation instead. See
	// DESIGN.md for the fuel-vs-wall-clock tradeoff.
	CallTimeout time.Duration
	MaxFaults   int
	HTTPAllowList []string
	Config      map[string]string // read-only configuration lookup surface
}

// instance is one pooled WASM module with its own linear memory.
type instance struct {
	mu      sync.Mutex
	module  api.Module
	faults  int
}

// pluginPool manages instances for a single method/module.
type pluginPool struct {
	mu        sync.Mutex
	descriptor Descriptor
	compiled  wazero.CompiledModule
	idle      []*instance
}

// Host maintains method-name -> plugin descriptor and the instance pools.
type Host struct {
	runtime wazero.Runtime
	cfg     Config

	mu    sync.RWMutex
	pools map[string]*pluginPool // method -> pool

	httpClient *http.Client
}

// New constructs a plugin host. ctx is used only for runtime construction.
func New(ctx context.Context, cfg Config) *Host {
	return &Host{
		runtime:    wazero.NewRuntime(ctx),
		cfg:        cfg,
		pools:      make(map[string]*pluginPool),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Register compiles a WASM module and associates it with a method name.
// Compilation happens eagerly; instantiation (the "cold start") is lazy, on
// first Dispatch for that method.
func (h *Host) Register(ctx context.Context, method string, wasmBytes []byte) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile plugin for %s: %w", method, err)
	}
	if err := h.ensureHostModule(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	h.pools[method] = &pluginPool{
		descriptor: Descriptor{Method: method},
		compiled:   compiled,
	}
	h.mu.Unlock()
	return nil
}

var hostModuleOnce sync.Once

func (h *Host) ensureHostModule(ctx context.Context) error {
	var err error
	hostModuleOnce.Do(func() {
		builder := h.runtime.NewHostModuleBuilder("sweetmcp")
		builder.NewFunctionBuilder().
			WithFunc(h.hostLog).
			Export("log")
		builder.NewFunctionBuilder().
			WithFunc(h.hostConfigLookup).
			Export("config_lookup")
		builder.NewFunctionBuilder().
			WithFunc(h.hostHTTPFetch).
			Export("http_fetch")
		_, err = builder.Instantiate(ctx)
	})
	return err
}

// hostLog lets a plugin write a log line; no other I/O is exposed.
func (h *Host) hostLog(_ context.Context, m api.Module, ptr, length uint32) {
	buf, ok := m.Memory().Read(ptr, length)
	if !ok {
		return
	}
	log.Logf("plugin: %s", string(buf))
}

// hostConfigLookup exposes read-only configuration lookup keyed by name.
func (h *Host) hostConfigLookup(_ context.Context, m api.Module, keyPtr, keyLen, outPtr, outLen uint32) uint32 {
	keyBytes, ok := m.Memory().Read(keyPtr, keyLen)
	if !ok {
		return 0
	}
	val, ok := h.cfg.Config[string(keyBytes)]
	if !ok {
		return 0
	}
	if uint32(len(val)) > outLen {
		return 0
	}
	if !m.Memory().Write(outPtr, []byte(val)) {
		return 0
	}
	return uint32(len(val))
}

// hostHTTPFetch performs outbound HTTP restricted to the configured
// allow-list; no direct filesystem or network access is otherwise exposed.
func (h *Host) hostHTTPFetch(ctx context.Context, m api.Module, urlPtr, urlLen uint32) uint32 {
	urlBytes, ok := m.Memory().Read(urlPtr, urlLen)
	if !ok {
		return 0
	}
	url := string(urlBytes)
	if !h.allowed(url) {
		return 0
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	return 1
}

func (h *Host) allowed(url string) bool {
	for _, prefix := range h.cfg.HTTPAllowList {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// Dispatch looks up the method's plugin, acquires or creates an instance,
// invokes it with the bounded call timeout, and validates the JSON result
// (spec.md §4.12 steps 1-5).
func (h *Host) Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	h.mu.RLock()
	pool, ok := h.pools[method]
	h.mu.RUnlock()
	if !ok {
		return nil, gwerrors.UserWrap(gwerrors.CodeMethodNotFound, "method not found", gwerrors.ErrUnknownMethod)
	}

	inst, err := h.acquire(ctx, pool)
	if err != nil {
		return nil, gwerrors.Plugin("acquire instance", err)
	}

	result, err := h.invoke(ctx, pool, inst, params)
	if err != nil {
		h.reportFault(pool, inst)
		return nil, gwerrors.Plugin("invocation failed", err)
	}

	inst.mu.Lock()
	inst.faults = 0
	inst.mu.Unlock()
	h.release(pool, inst)
	return result, nil
}

func (h *Host) acquire(ctx context.Context, pool *pluginPool) (*instance, error) {
	pool.mu.Lock()
	if len(pool.idle) > 0 {
		inst := pool.idle[len(pool.idle)-1]
		pool.idle = pool.idle[:len(pool.idle)-1]
		pool.mu.Unlock()
		return inst, nil
	}
	pool.mu.Unlock()

	cfg := wazero.NewModuleConfig().WithStartFunctions("_start")
	mod, err := h.runtime.InstantiateModule(ctx, pool.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	return &instance{module: mod}, nil
}

func (h *Host) release(pool *pluginPool, inst *instance) {
	pool.mu.Lock()
	pool.idle = append(pool.idle, inst)
	pool.mu.Unlock()
}

// reportFault increments the instance's fault count and destroys it after 3
// consecutive faults (spec.md §3, §4.12, §8 S6). A replacement is lazily
// created on the next acquire for this pool.
func (h *Host) reportFault(pool *pluginPool, inst *instance) {
	inst.mu.Lock()
	inst.faults++
	destroy := inst.faults >= h.cfg.MaxFaults
	inst.mu.Unlock()

	if !destroy {
		h.release(pool, inst)
		return
	}
	_ = inst.module.Close(context.Background())
}

// invoke serializes params as length-prefixed JSON in linear memory, calls
// the plugin's exported entry point under the bounded call timeout, then
// reads back and validates the JSON result.
func (h *Host) invoke(ctx context.Context, pool *pluginPool, inst *instance, params json.RawMessage) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()

	entry := inst.module.ExportedFunction("invoke")
	if entry == nil {
		return nil, fmt.Errorf("module has no exported invoke function")
	}

	inPtr, inLen, err := writeLengthPrefixed(inst.module, params)
	if err != nil {
		return nil, err
	}

	results, err := entry.Call(callCtx, uint64(inPtr), uint64(inLen))
	if err != nil {
		return nil, err
	}
	if len(results) < 2 {
		return nil, fmt.Errorf("invoke returned unexpected result shape")
	}
	outPtr, outLen := uint32(results[0]), uint32(results[1])

	raw, ok := inst.module.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("failed to read plugin result from memory")
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid json result")
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// writeLengthPrefixed allocates (via the module's own "alloc" export, the
// usual WASM ABI convention) and writes a 4-byte big-endian length prefix
// followed by the payload.
func writeLengthPrefixed(mod api.Module, payload []byte) (uint32, uint32, error) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, 0, fmt.Errorf("module has no exported alloc function")
	}
	total := uint32(4 + len(payload))
	results, err := alloc.Call(context.Background(), uint64(total))
	if err != nil {
		return 0, 0, err
	}
	ptr := uint32(results[0])

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if !mod.Memory().Write(ptr, header) {
		return 0, 0, fmt.Errorf("failed to write length header")
	}
	if !mod.Memory().Write(ptr+4, payload) {
		return 0, 0, fmt.Errorf("failed to write payload")
	}
	return ptr, total, nil
}

// Close tears down the WASM runtime and every pooled instance.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
