package routetable

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// document is the on-disk shape of a route table file.
type document struct {
	Routes []documentEntry `yaml:"routes"`
}

type documentEntry struct {
	Method               string `yaml:"method"`
	PathPattern          string `yaml:"path_pattern"`
	Backend              string `yaml:"backend"`
	UpstreamPathTemplate string `yaml:"upstream_path_template"`
	Auth                 struct {
		Kind  string `yaml:"kind"`
		Scope string `yaml:"scope"`
	} `yaml:"auth"`
	BodyPassthrough string        `yaml:"body_passthrough"`
	Idempotent      bool          `yaml:"idempotent"`
	Timeout         time.Duration `yaml:"timeout"`
}

// LoadFile reads a YAML route table document and builds an immutable
// Table from it. The file format mirrors Entry one field at a time so a
// malformed document fails at load time, before any request is served.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routetable: failed to read %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("routetable: failed to parse %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(doc.Routes))
	for _, d := range doc.Routes {
		bodyMode := BodyPassthrough(d.BodyPassthrough)
		if bodyMode == "" {
			bodyMode = BodyBuffer
		}
		authKind := AuthPolicyKind(d.Auth.Kind)
		if authKind == "" {
			authKind = AuthRequirePrincipal
		}
		entries = append(entries, Entry{
			Method:               d.Method,
			PathPattern:          d.PathPattern,
			Backend:              d.Backend,
			UpstreamPathTemplate: d.UpstreamPathTemplate,
			AuthPolicy:           AuthPolicy{Kind: authKind, Scope: d.Auth.Scope},
			BodyPassthrough:      bodyMode,
			Idempotent:           d.Idempotent,
			Timeout:              d.Timeout,
		})
	}

	return Build(entries)
}
