// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tombee/conductor/pkg/security/sandbox"
)

// manifestFileName is the file each installed skill's directory must
// contain, mirroring how loadDefinitions discovers workflow YAML.
const manifestFileName = "manifest.yaml"

// fileManifestLookup resolves a skill name to <skillsDir>/<name>/manifest.yaml,
// resolving a relative ArtifactPath against that same skill directory so
// manifests can be moved as a unit.
func fileManifestLookup(skillsDir string) sandbox.ManifestLookup {
	return func(name string) (*sandbox.Manifest, error) {
		dir := filepath.Join(skillsDir, name)
		path := filepath.Join(dir, manifestFileName)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading manifest for skill %q: %w", name, err)
		}
		var m sandbox.Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing manifest for skill %q: %w", name, err)
		}
		if m.Name == "" {
			m.Name = name
		}
		if m.ArtifactPath != "" && !filepath.IsAbs(m.ArtifactPath) {
			m.ArtifactPath = filepath.Join(dir, m.ArtifactPath)
		}
		return &m, nil
	}
}
