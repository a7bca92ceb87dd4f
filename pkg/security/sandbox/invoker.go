package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/conductor/pkg/security/audit"
)

// SkillRunner implements workflow.SkillInvoker: it resolves a skill
// name to its manifest, enforces its combined capability set, and
// dispatches the invocation to the in-process WASM runtime or the
// OS-isolated helper process depending on the manifest's trust tier
// (§4.10-4.13). Every invocation is logged to audit regardless of
// outcome.
type SkillRunner struct {
	lookup  ManifestLookup
	runtime *Runtime
	isolate *OSIsolation
	audit   audit.InvocationLog
	env     HostEnv
}

// NewSkillRunner wires the collaborators a skill invocation needs.
// isolate may be nil if no OS-isolation helper binary was found on
// PATH at startup; in that case untrusted-tier skills fail fast with
// a clear error instead of silently running in-process.
func NewSkillRunner(lookup ManifestLookup, runtime *Runtime, isolate *OSIsolation, store audit.InvocationLog, env HostEnv) *SkillRunner {
	return &SkillRunner{
		lookup:  lookup,
		runtime: runtime,
		isolate: isolate,
		audit:   store,
		env:     env,
	}
}

// InvokeSkill resolves name's manifest and inheritance chain, builds
// an Enforcer from its combined capability set, runs the skill
// through the tier-appropriate sandbox, and writes exactly one audit
// entry before returning.
func (r *SkillRunner) InvokeSkill(ctx context.Context, name string, inputs map[string]interface{}) (interface{}, error) {
	invocationID := uuid.New().String()
	start := time.Now()

	resolved, err := Inspect(r.lookup, name)
	if err != nil {
		r.logInvocation(ctx, invocationID, name, "", "", nil, "", time.Since(start), false, err.Error())
		return nil, fmt.Errorf("resolving skill manifest: %w", err)
	}
	manifest, err := r.lookup(name)
	if err != nil {
		r.logInvocation(ctx, invocationID, name, "", "", nil, "", time.Since(start), false, err.Error())
		return nil, fmt.Errorf("loading skill manifest: %w", err)
	}

	inputJSON, err := json.Marshal(inputs)
	if err != nil {
		r.logInvocation(ctx, invocationID, name, manifest.Version, string(manifest.TrustTier), capabilityStrings(resolved.Combined), "", time.Since(start), false, err.Error())
		return nil, fmt.Errorf("marshaling skill inputs: %w", err)
	}
	inputDigest := digestHex(inputJSON)

	enforcer := NewEnforcer(resolved.Combined)

	var result *InvocationResult
	switch manifest.TrustTier {
	case TrustTierUntrusted:
		if r.isolate == nil {
			err := fmt.Errorf("skill %q requires untrusted-tier isolation but no isolation helper is available", name)
			r.logInvocation(ctx, invocationID, name, manifest.Version, string(manifest.TrustTier), capabilityStrings(resolved.Combined), inputDigest, time.Since(start), false, err.Error())
			return nil, err
		}
		limits := tierLimits[manifest.TrustTier]
		maxMemoryMB := limits.maxMemoryPages / 16 // 64KiB pages -> MiB
		result, err = r.isolate.Invoke(ctx, manifest.ArtifactPath, string(inputJSON), capabilityStrings(resolved.Combined), maxMemoryMB, limits.timeout)
	default:
		artifact, readErr := os.ReadFile(manifest.ArtifactPath)
		if readErr != nil {
			r.logInvocation(ctx, invocationID, name, manifest.Version, string(manifest.TrustTier), capabilityStrings(resolved.Combined), inputDigest, time.Since(start), false, readErr.Error())
			return nil, fmt.Errorf("reading skill artifact: %w", readErr)
		}
		result, err = r.runtime.Invoke(ctx, artifact, manifest.TrustTier, enforcer, r.env, string(inputJSON))
	}

	duration := time.Since(start)
	if err != nil {
		r.logInvocation(ctx, invocationID, name, manifest.Version, string(manifest.TrustTier), capabilityStrings(resolved.Combined), inputDigest, duration, false, err.Error())
		return nil, fmt.Errorf("invoking skill %q: %w", name, err)
	}

	outputDigest := digestHex([]byte(result.Output))
	r.logInvocationWithFuel(ctx, invocationID, name, manifest.Version, string(manifest.TrustTier), capabilityStrings(resolved.Combined), inputDigest, outputDigest, result.PeakMemory, result.FuelConsumed, result.Duration, result.Success, result.Error)

	if !result.Success {
		return nil, fmt.Errorf("skill %q failed: %s", name, result.Error)
	}

	var out interface{}
	if result.Output == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(result.Output), &out); err != nil {
		return result.Output, nil
	}
	return out, nil
}

func (r *SkillRunner) logInvocation(ctx context.Context, invocationID, name, version, tier string, capabilities []string, inputDigest string, duration time.Duration, success bool, errMsg string) {
	r.logInvocationWithFuel(ctx, invocationID, name, version, tier, capabilities, inputDigest, "", 0, 0, duration, success, errMsg)
}

func (r *SkillRunner) logInvocationWithFuel(ctx context.Context, invocationID, name, version, tier string, capabilities []string, inputDigest, outputDigest string, peakMemory uint32, fuelConsumed uint64, duration time.Duration, success bool, errMsg string) {
	entry := audit.InvocationEntry{
		InvocationID:     invocationID,
		SkillName:        name,
		SkillVersion:     version,
		TrustTier:        tier,
		CapabilitiesUsed: capabilities,
		SHA256Input:      inputDigest,
		SHA256Output:     outputDigest,
		PeakMemoryBytes:  peakMemory,
		FuelConsumed:     fuelConsumed,
		Duration:         duration,
		Success:          success,
		Error:            errMsg,
		Timestamp:        time.Now(),
	}
	if logErr := r.audit.LogInvocation(ctx, entry); logErr != nil {
		// LogInvocation's only implementation never fails; this guards
		// against a future backing store that can.
		_ = logErr
	}
}

func capabilityStrings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func digestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
