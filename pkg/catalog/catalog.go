// Package catalog knows which CASE components can be mirrored and in
// which versions, and provides the image filters used by selective
// mirroring. The catalog is advisory metadata for listing and input
// validation; the ibm-pak tooling remains the authority at fetch time.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	goversion "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	apperrors "github.com/packmirror/packmirror/internal/errors"
)

//go:embed catalog.yaml
var embedded []byte

// Component is one mirrorable CASE.
type Component struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Versions    []string `yaml:"versions" json:"versions"`
}

// Latest returns the highest version by semantic ordering. Versions
// that do not parse sort below every parseable one.
func (c Component) Latest() string {
	if len(c.Versions) == 0 {
		return ""
	}
	sorted := append([]string(nil), c.Versions...)
	sort.Slice(sorted, func(i, j int) bool {
		vi, erri := goversion.NewVersion(sorted[i])
		vj, errj := goversion.NewVersion(sorted[j])
		switch {
		case erri != nil && errj != nil:
			return sorted[i] < sorted[j]
		case erri != nil:
			return true
		case errj != nil:
			return false
		default:
			return vi.LessThan(vj)
		}
	})
	return sorted[len(sorted)-1]
}

// Catalog is the set of known components.
type Catalog struct {
	Components []Component `yaml:"components" json:"components"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := parse(embedded)
	if err != nil {
		// The embedded file ships with the binary; failing to parse it
		// is a build defect, not a runtime condition.
		panic(fmt.Sprintf("embedded catalog invalid: %v", err))
	}
	return c
}

// Load reads a catalog from path, or falls back to the built-in one
// when path is empty or the file does not exist.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i, comp := range c.Components {
		if strings.TrimSpace(comp.Name) == "" {
			return nil, fmt.Errorf("parse catalog: component %d has no name", i)
		}
	}
	return &c, nil
}

// Find returns the component with the given name.
func (c *Catalog) Find(name string) (Component, bool) {
	for _, comp := range c.Components {
		if comp.Name == name {
			return comp, true
		}
	}
	return Component{}, false
}

// Names returns all component names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.Components))
	for _, comp := range c.Components {
		out = append(out, comp.Name)
	}
	return out
}

// Resolve validates a component reference and fills in the version when
// the caller left it empty. Unknown components pass through untouched
// when the catalog has no entry for them, but an empty version can only
// be resolved for catalogued components.
func (c *Catalog) Resolve(name, version string) (string, error) {
	comp, known := c.Find(name)
	if version != "" {
		return version, nil
	}
	if !known || comp.Latest() == "" {
		return "", apperrors.New(apperrors.KindInvalidSpec,
			"no version given for %s and none known to resolve", name)
	}
	return comp.Latest(), nil
}

// Filter matches image references against selective-mirror glob
// patterns. An empty pattern list matches everything.
type Filter struct {
	patterns []string
}

// NewFilter validates the patterns up front so a bad expression is
// rejected at job submission rather than mid-mirror.
func NewFilter(patterns []string) (*Filter, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, apperrors.New(apperrors.KindInvalidSpec,
				"invalid image filter pattern %q", p)
		}
	}
	return &Filter{patterns: patterns}, nil
}

// Match reports whether the image reference is selected.
func (f *Filter) Match(image string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, image); ok {
			return true
		}
		// Bare substrings are accepted as a convenience and treated as
		// a contains match.
		if !strings.ContainsAny(p, "*?[{") && strings.Contains(image, p) {
			return true
		}
	}
	return false
}

// Apply returns the subset of lines whose image reference matches.
func (f *Filter) Apply(lines []string) []string {
	if len(f.patterns) == 0 {
		return lines
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if f.Match(line) {
			out = append(out, line)
		}
	}
	return out
}
