package sandbox

import conductorerrors "github.com/tombee/conductor/pkg/errors"

// Capability is a single gated host-import permission a skill manifest
// can declare (§4.11).
type Capability string

const (
	CapabilityReadFile     Capability = "ReadFile"
	CapabilityWriteFile    Capability = "WriteFile"
	CapabilityHTTPGet      Capability = "HttpGet"
	CapabilityHTTPPost     Capability = "HttpPost"
	CapabilityGetSecret    Capability = "GetSecret"
	CapabilityReadEnv      Capability = "ReadEnv"
	CapabilityRecallMemory Capability = "RecallMemory"
)

// TrustTier selects the isolation strategy applied to a skill's
// invocations (§4.12).
type TrustTier string

const (
	TrustTierLocal     TrustTier = "local"
	TrustTierVerified  TrustTier = "verified"
	TrustTierUntrusted TrustTier = "untrusted"
)

// MaxInheritanceDepth caps a skill's parent chain at skill -> parent ->
// grandparent (§4.10).
const MaxInheritanceDepth = 3

// Manifest is one installed skill's declared identity, capability set,
// and optional mixin parent.
type Manifest struct {
	Name          string      `yaml:"name" json:"name"`
	Version       string      `yaml:"version" json:"version"`
	Parent        string      `yaml:"parent,omitempty" json:"parent,omitempty"`
	Capabilities  []Capability `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	ConflictsWith []string    `yaml:"conflicts_with,omitempty" json:"conflicts_with,omitempty"`
	TrustTier     TrustTier   `yaml:"trust_tier" json:"trust_tier"`
	ArtifactPath  string      `yaml:"artifact_path" json:"artifact_path"`
}

// ManifestLookup resolves a skill name to its manifest, supplied by the
// installed-skill store.
type ManifestLookup func(name string) (*Manifest, error)

// ResolvedManifest is the inspect(name) breakdown (§4.10).
type ResolvedManifest struct {
	Name        string
	Own         []Capability
	Inherited   []Capability
	Combined    []Capability
	ParentChain []string
	Conflicts   []string
	Depth       int
}

// Inspect walks name's parent chain, accumulating capabilities in
// parent order with last-wins deduplication, then lets the skill's own
// capabilities override. A chain deeper than MaxInheritanceDepth fails
// InheritanceDepthExceeded; revisiting a name within the same path
// fails CircularInheritance.
func Inspect(lookup ManifestLookup, name string) (*ResolvedManifest, error) {
	own, err := lookup(name)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{name: true}
	var parentChain []string
	var ancestors []*Manifest

	current := own
	depth := 0
	for current.Parent != "" {
		depth++
		// depth counts ancestors; the skill itself is the first of the
		// MaxInheritanceDepth levels, so at most MaxInheritanceDepth-1
		// ancestors are allowed.
		if depth >= MaxInheritanceDepth {
			return nil, &conductorerrors.InheritanceError{Kind: "depth_exceeded", SkillName: name, Chain: parentChain}
		}
		parentName := current.Parent
		if visited[parentName] {
			return nil, &conductorerrors.InheritanceError{
				Kind:      "circular",
				SkillName: name,
				Chain:     append(append([]string{}, parentChain...), parentName),
			}
		}
		visited[parentName] = true

		parent, err := lookup(parentName)
		if err != nil {
			return nil, err
		}
		parentChain = append(parentChain, parentName)
		ancestors = append(ancestors, parent)
		current = parent
	}

	var inherited []Capability
	var conflicts []string
	// Accumulate furthest ancestor first so the nearest parent's
	// declarations win ties, matching "parent order" from root to leaf.
	for i := len(ancestors) - 1; i >= 0; i-- {
		inherited = appendLastWins(inherited, ancestors[i].Capabilities...)
		conflicts = appendUniqueStrings(conflicts, ancestors[i].ConflictsWith...)
	}
	conflicts = appendUniqueStrings(conflicts, own.ConflictsWith...)

	combined := appendLastWins(append([]Capability{}, inherited...), own.Capabilities...)

	return &ResolvedManifest{
		Name:        name,
		Own:         own.Capabilities,
		Inherited:   inherited,
		Combined:    combined,
		ParentChain: parentChain,
		Conflicts:   conflicts,
		Depth:       depth,
	}, nil
}

// appendLastWins appends items to base, repositioning any item already
// present so its most recent occurrence determines its position.
func appendLastWins(base []Capability, items ...Capability) []Capability {
	for _, item := range items {
		for i, existing := range base {
			if existing == item {
				base = append(base[:i], base[i+1:]...)
				break
			}
		}
		base = append(base, item)
	}
	return base
}

func appendUniqueStrings(base []string, items ...string) []string {
	seen := make(map[string]bool, len(base))
	for _, b := range base {
		seen[b] = true
	}
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			base = append(base, item)
		}
	}
	return base
}

// Has reports whether a resolved capability set grants cap.
func (r *ResolvedManifest) Has(cap Capability) bool {
	for _, c := range r.Combined {
		if c == cap {
			return true
		}
	}
	return false
}
