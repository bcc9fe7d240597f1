// Package container implements the Container Registry and Container Matcher
// (spec.md sections 4.5/4.6): a declarative model of named page regions,
// URL scoping, and DOM matching with fallback selector variants.
//
// Grounded on the ancestor's internal/world/scope.go for the shape of a
// read-mostly, hot-reloadable declarative registry, and on config.go's
// yaml.v3-based load/validate pattern for the on-disk format.
package container

import "fmt"

// Variant labels a selector's position in the fallback chain
// (spec.md section 3, Container Definition).
type Variant string

const (
	VariantPrimary Variant = "primary"
)

// IsFallback reports whether v is one of the "fallback-N" labels.
func (v Variant) IsFallback() bool {
	return len(v) > len("fallback-") && v[:len("fallback-")] == "fallback-"
}

// Operation is one of the fixed operation vocabulary members
// (spec.md section 4.7).
type Operation string

const (
	OpClick     Operation = "click"
	OpScroll    Operation = "scroll"
	OpHighlight Operation = "highlight"
	OpExtract   Operation = "extract"
	OpType      Operation = "type"
)

var validOperations = map[Operation]bool{
	OpClick:     true,
	OpScroll:    true,
	OpHighlight: true,
	OpExtract:   true,
	OpType:      true,
}

// Selector is one entry in a container's ordered fallback chain.
type Selector struct {
	Variant      Variant `yaml:"variant" json:"variant"`
	CSS          string  `yaml:"css" json:"css"`
	RequireVisible bool  `yaml:"requireVisible,omitempty" json:"requireVisible,omitempty"`
	RequireText  string  `yaml:"requireText,omitempty" json:"requireText,omitempty"`
}

// Definition is one entry in the Container Library, keyed by its dotted id
// (spec.md section 3, Container Definition).
type Definition struct {
	ID           string      `yaml:"id" json:"id"`
	URLPatterns  []string    `yaml:"urlPatterns,omitempty" json:"urlPatterns,omitempty"`
	Selectors    []Selector  `yaml:"selectors" json:"selectors"`
	Operations   []Operation `yaml:"operations,omitempty" json:"operations,omitempty"`
	ExtractFields []string   `yaml:"extractFields,omitempty" json:"extractFields,omitempty"`
	Parent       string      `yaml:"parent,omitempty" json:"parent,omitempty"`
	Checkpoint   string      `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`
}

// IsRoot reports whether this definition is a top-level container (it
// declares no parent).
func (d *Definition) IsRoot() bool {
	return d.Parent == ""
}

// SupportsOperation reports whether op is declared in this container's
// operation set.
func (d *Definition) SupportsOperation(op Operation) bool {
	for _, o := range d.Operations {
		if o == op {
			return true
		}
	}
	return false
}

func (d *Definition) validate() error {
	if d.ID == "" {
		return fmt.Errorf("container definition missing id")
	}
	if d.IsRoot() && len(d.URLPatterns) == 0 {
		return fmt.Errorf("root container %q must declare at least one urlPattern", d.ID)
	}
	hasPrimary := false
	seenVariant := map[Variant]bool{}
	for i, sel := range d.Selectors {
		if sel.Variant == "" {
			return fmt.Errorf("container %q selector %d missing variant label", d.ID, i)
		}
		if sel.Variant != VariantPrimary && !sel.Variant.IsFallback() {
			return fmt.Errorf("container %q selector %d has unknown variant %q", d.ID, i, sel.Variant)
		}
		if seenVariant[sel.Variant] {
			return fmt.Errorf("container %q declares variant %q more than once", d.ID, sel.Variant)
		}
		seenVariant[sel.Variant] = true
		if sel.CSS == "" {
			return fmt.Errorf("container %q selector %d missing css", d.ID, i)
		}
		if sel.Variant == VariantPrimary {
			hasPrimary = true
		}
	}
	if len(d.Selectors) > 0 && !hasPrimary {
		return fmt.Errorf("container %q has selectors but no primary variant", d.ID)
	}
	for _, op := range d.Operations {
		if !validOperations[op] {
			return fmt.Errorf("container %q declares unknown operation %q", d.ID, op)
		}
	}
	return nil
}
