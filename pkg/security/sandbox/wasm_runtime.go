package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// resourceTier bounds the linear memory a trust tier's compiled module
// is permitted to grow to, the wall-clock budget its single execute()
// call gets, and the fuel budget charged against that call. wazero's
// stable API has no instruction-level fuel counter, so maxFuel is
// metered as a wall-clock proxy: fuel is charged in proportion to how
// much of timeout the call actually used, and a call that trips the
// context deadline is charged the full budget (§4.12).
type resourceTier struct {
	maxMemoryPages uint32 // 64KiB pages
	timeout        time.Duration
	maxFuel        uint64
}

var tierLimits = map[TrustTier]resourceTier{
	TrustTierLocal:     {maxMemoryPages: 4096, timeout: 30 * time.Second, maxFuel: 50_000_000},
	TrustTierVerified:  {maxMemoryPages: 1024, timeout: 10 * time.Second, maxFuel: 10_000_000},
	TrustTierUntrusted: {maxMemoryPages: 256, timeout: 3 * time.Second, maxFuel: 2_000_000},
}

// approximateFuel converts wall-clock usage into the tier's fuel unit.
// elapsed >= limits.timeout charges the entire budget.
func approximateFuel(elapsed time.Duration, limits resourceTier) uint64 {
	if limits.timeout <= 0 || limits.maxFuel == 0 {
		return 0
	}
	ratio := float64(elapsed) / float64(limits.timeout)
	if ratio > 1 {
		ratio = 1
	}
	fuel := uint64(ratio * float64(limits.maxFuel))
	if fuel == 0 && elapsed > 0 {
		fuel = 1
	}
	return fuel
}

// HostEnv is the set of capability-gated services a skill's host
// imports can reach. OSIsolation and the in-process runtime both
// invoke it through the same contract.
type HostEnv interface {
	GetContext(key string) (string, bool)
	Log(level, message string)
	RecallMemory(query string) (string, error)
	HTTPGet(url string) (string, error)
	HTTPPost(url, body string) (string, error)
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	GetSecret(name string) (string, error)
	ReadEnv(name string) (string, error)
}

// InvocationResult is what a single skill invocation produces,
// whether it ran in-process or via an OS-isolated helper process.
type InvocationResult struct {
	Output       string
	Success      bool
	Error        string
	PeakMemory   uint32
	FuelConsumed uint64
	Duration     time.Duration
}

// Runtime invokes skill WASM artifacts in-process, applying a
// per-trust-tier memory cap and timeout via wazero. Every invocation
// gets a fresh wazero runtime and module instance; no state survives
// between calls (§4.12).
type Runtime struct{}

// NewRuntime returns a ready-to-use Runtime. Construction is cheap;
// the expensive wazero runtime is created fresh per invocation so
// concurrent invocations never contend over the same host module
// namespace.
func NewRuntime(ctx context.Context) *Runtime {
	return &Runtime{}
}

// Close is a no-op: Runtime holds no long-lived wazero state.
func (r *Runtime) Close(ctx context.Context) error {
	return nil
}

// Invoke compiles artifact and runs its execute(input) entry point
// under enf's capability gate and tier's memory/timeout limits. Every
// call, success or failure, yields an InvocationResult so the caller
// can still write an audit entry.
func (r *Runtime) Invoke(ctx context.Context, artifact []byte, tier TrustTier, enf *Enforcer, env HostEnv, input string) (*InvocationResult, error) {
	limits, ok := tierLimits[tier]
	if !ok {
		return nil, &conductorerrors.ResourceLimitError{Kind: fmt.Sprintf("unknown trust tier %q", tier)}
	}

	start := time.Now()
	invokeCtx, cancel := context.WithTimeout(ctx, limits.timeout)
	defer cancel()

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(limits.maxMemoryPages)
	rt := wazero.NewRuntimeWithConfig(invokeCtx, cfg)
	defer rt.Close(invokeCtx)

	if _, err := newHostModule(rt, invokeCtx, enf, env); err != nil {
		return nil, fmt.Errorf("linking host imports: %w", err)
	}

	mod, err := rt.CompileModule(invokeCtx, artifact)
	if err != nil {
		return &InvocationResult{Success: false, Error: err.Error(), Duration: time.Since(start)}, nil
	}

	instance, err := rt.InstantiateModule(invokeCtx, mod, wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		return &InvocationResult{Success: false, Error: err.Error(), Duration: time.Since(start)}, nil
	}
	defer instance.Close(invokeCtx)

	exec := instance.ExportedFunction("execute")
	if exec == nil {
		return &InvocationResult{Success: false, Error: "skill module does not export execute", Duration: time.Since(start)}, nil
	}

	handle := writeString(instance, input)
	results, runErr := exec.Call(invokeCtx, handle)
	duration := time.Since(start)
	fuelConsumed := approximateFuel(duration, limits)
	if runErr != nil {
		if invokeCtx.Err() == context.DeadlineExceeded {
			return &InvocationResult{
				Success:      false,
				Error:        (&conductorerrors.ResourceLimitError{Kind: "fuel"}).Error(),
				FuelConsumed: limits.maxFuel,
				Duration:     duration,
			}, nil
		}
		return &InvocationResult{Success: false, Error: runErr.Error(), FuelConsumed: fuelConsumed, Duration: duration}, nil
	}

	var out string
	if len(results) > 0 {
		ptr := uint32(results[0] >> 32)
		length := uint32(results[0])
		out = readString(instance, ptr, length)
	}
	return &InvocationResult{Output: out, Success: true, FuelConsumed: fuelConsumed, Duration: duration}, nil
}

// newHostModule links the capability-gated host imports a skill
// module can call. get_context and log are always wired; the rest
// enforce enf.Check(importName) before delegating to env.
func newHostModule(rt wazero.Runtime, ctx context.Context, enf *Enforcer, env HostEnv) (api.Module, error) {
	builder := rt.NewHostModuleBuilder("conductor")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint64 {
			key := readString(mod, keyPtr, keyLen)
			val, ok := env.GetContext(key)
			if !ok {
				return 0
			}
			return writeString(mod, val)
		}).Export("get_context")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
			env.Log(readString(mod, levelPtr, levelLen), readString(mod, msgPtr, msgLen))
		}).Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, urlPtr, urlLen uint32) uint64 {
			if err := enf.Check("http_get"); err != nil {
				return writeResult(mod, err.Error(), true)
			}
			out, err := env.HTTPGet(readString(mod, urlPtr, urlLen))
			if err != nil {
				return writeResult(mod, err.Error(), true)
			}
			return writeResult(mod, out, false)
		}).Export("http_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, urlPtr, urlLen, bodyPtr, bodyLen uint32) uint64 {
			if err := enf.Check("http_post"); err != nil {
				return writeResult(mod, err.Error(), true)
			}
			out, err := env.HTTPPost(readString(mod, urlPtr, urlLen), readString(mod, bodyPtr, bodyLen))
			if err != nil {
				return writeResult(mod, err.Error(), true)
			}
			return writeResult(mod, out, false)
		}).Export("http_post")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, pathPtr, pathLen uint32) uint64 {
			if err := enf.Check("read_file"); err != nil {
				return writeResult(mod, err.Error(), true)
			}
			out, err := env.ReadFile(readString(mod, pathPtr, pathLen))
			if err != nil {
				return writeResult(mod, err.Error(), true)
			}
			return writeResult(mod, out, false)
		}).Export("read_file")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, pathPtr, pathLen, contentPtr, contentLen uint32) uint64 {
			if err := enf.Check("write_file"); err != nil {
				return writeResult(mod, err.Error(), true)
			}
			if err := env.WriteFile(readString(mod, pathPtr, pathLen), readString(mod, contentPtr, contentLen)); err != nil {
				return writeResult(mod, err.Error(), true)
			}
			return writeResult(mod, "", false)
		}).Export("write_file")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint64 {
			if err := enf.Check("get_secret"); err != nil {
				return writeResult(mod, err.Error(), true)
			}
			out, err := env.GetSecret(readString(mod, namePtr, nameLen))
			if err != nil {
				return writeResult(mod, err.Error(), true)
			}
			return writeResult(mod, out, false)
		}).Export("get_secret")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint64 {
			if err := enf.Check("read_env"); err != nil {
				return writeResult(mod, err.Error(), true)
			}
			out, err := env.ReadEnv(readString(mod, namePtr, nameLen))
			if err != nil {
				return writeResult(mod, err.Error(), true)
			}
			return writeResult(mod, out, false)
		}).Export("read_env")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, queryPtr, queryLen uint32) uint64 {
			if err := enf.Check("recall_memory"); err != nil {
				return writeResult(mod, err.Error(), true)
			}
			out, err := env.RecallMemory(readString(mod, queryPtr, queryLen))
			if err != nil {
				return writeResult(mod, err.Error(), true)
			}
			return writeResult(mod, out, false)
		}).Export("recall_memory")

	return builder.Instantiate(ctx)
}

func readString(mod api.Module, ptr, length uint32) string {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return ""
	}
	return string(buf)
}

// writeString copies s into the module's exported "alloc" region and
// returns a packed (ptr<<32 | len) handle, the convention this runtime
// uses for returning strings across the host/guest boundary.
func writeString(mod api.Module, s string) uint64 {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0
	}
	results, err := alloc.Call(context.Background(), uint64(len(s)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, []byte(s)) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(s))
}

// resultErrBit tags a packed handle returned from a capability-gated
// host import as an error string rather than a value. It occupies the
// top bit of the 64-bit return, leaving 31 bits for the pointer: every
// tier's memory cap (largest is 4096 pages, 256MiB) fits well inside
// that, so a real pointer never collides with the tag.
const resultErrBit = uint64(1) << 63

// packResult encodes ptr/length/isErr into the handle a skill module
// reads back to distinguish Ok(value) from Err(message).
func packResult(ptr, length uint32, isErr bool) uint64 {
	v := uint64(ptr&0x7fffffff)<<32 | uint64(length)
	if isErr {
		v |= resultErrBit
	}
	return v
}

// writeResult allocates guest memory for s and returns it packed as an
// Ok or Err handle. Gated host imports use this instead of the plain
// writeString handle so a capability denial's message (#21, E5) is
// observable to the guest instead of collapsing to an empty result.
func writeResult(mod api.Module, s string, isErr bool) uint64 {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return packResult(0, 0, true)
	}
	results, err := alloc.Call(context.Background(), uint64(len(s)))
	if err != nil || len(results) == 0 {
		return packResult(0, 0, true)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, []byte(s)) {
		return packResult(0, 0, true)
	}
	return packResult(ptr, uint32(len(s)), isErr)
}

// digest returns the hex SHA-256 of b, used for audit log entries that
// must never persist raw skill input/output (§4.14).
func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// digestJSON marshals v and returns its digest, used when the caller
// has a structured value rather than a raw byte string.
func digestJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return digest([]byte(fmt.Sprintf("%v", v)))
	}
	return digest(b)
}
