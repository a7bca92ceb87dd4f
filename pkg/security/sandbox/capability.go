package sandbox

import conductorerrors "github.com/tombee/conductor/pkg/errors"

// alwaysAllowed are host imports every skill may call regardless of its
// declared capability set (§4.11).
var alwaysAllowed = map[string]bool{
	"get_context": true,
	"log":         true,
}

// capabilityByImport maps a host import name to the capability that
// must be granted for a skill to call it.
var capabilityByImport = map[string]Capability{
	"http_get":      CapabilityHTTPGet,
	"http_post":     CapabilityHTTPPost,
	"read_file":     CapabilityReadFile,
	"write_file":    CapabilityWriteFile,
	"get_secret":    CapabilityGetSecret,
	"read_env":      CapabilityReadEnv,
	"recall_memory": CapabilityRecallMemory,
}

// Enforcer is the immutable, frozen-at-install-time capability set a
// skill's host-import calls are checked against. It never grows or
// shrinks after construction, and a denial is a fast error return, not
// a panic or partial side effect.
type Enforcer struct {
	granted map[Capability]bool
}

// NewEnforcer freezes granted into an Enforcer.
func NewEnforcer(granted []Capability) *Enforcer {
	m := make(map[Capability]bool, len(granted))
	for _, c := range granted {
		m[c] = true
	}
	return &Enforcer{granted: m}
}

// Check validates a single host import call before the runtime performs
// it. get_context and log always pass without consulting the granted
// set; every other import must map to a granted capability.
func (en *Enforcer) Check(importName string) error {
	if alwaysAllowed[importName] {
		return nil
	}
	cap, known := capabilityByImport[importName]
	if !known {
		return &conductorerrors.CapabilityDeniedError{Capability: importName}
	}
	if !en.granted[cap] {
		return &conductorerrors.CapabilityDeniedError{Capability: string(cap)}
	}
	return nil
}

// Capabilities returns the frozen granted set, in no particular order.
func (en *Enforcer) Capabilities() []Capability {
	out := make([]Capability, 0, len(en.granted))
	for c := range en.granted {
		out = append(out, c)
	}
	return out
}
