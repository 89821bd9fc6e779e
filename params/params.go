// Package params expands named parameter value lists into the cartesian
// product of concrete variable bindings and substitutes them into command
// templates.
package params

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// List is a single named parameter with its ordered candidate values.
type List struct {
	Var    string   `yaml:"var" json:"var"`
	Values []string `yaml:"values" json:"values"`
}

// Combination is one concrete binding of every parameterized variable.
// The binding set is its identity; Label renders it as a stable key.
type Combination map[string]string

// Label returns a stable "k=v, k=v" form of the binding, with keys sorted.
// An empty combination is labelled "default".
func (c Combination) Label() string {
	if len(c) == 0 {
		return "default"
	}

	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c[k])
	}

	return strings.Join(parts, ", ")
}

// DirName returns a filesystem-safe form of the binding, used to key
// per-combination output subdirectories. An empty combination maps to
// "default".
func (c Combination) DirName() string {
	if len(c) == 0 {
		return "default"
	}

	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"-"+c[k])
	}

	return strings.Join(parts, "_")
}

// Matrix holds every combination of a set of parameter lists.
type Matrix struct {
	Combinations []Combination
}

// NewMatrix expands the parameter lists into their full cartesian product.
// The last-listed variable varies fastest, so the order is deterministic
// for identical input. Empty input yields exactly one empty combination so
// unparameterized benchmarks flow through the same path.
func NewMatrix(lists []List) *Matrix {
	combinations := []Combination{{}}

	for _, list := range lists {
		next := make([]Combination, 0, len(combinations)*len(list.Values))

		for _, combo := range combinations {
			for _, value := range list.Values {
				expanded := make(Combination, len(combo)+1)
				for k, v := range combo {
					expanded[k] = v
				}
				expanded[list.Var] = value
				next = append(next, expanded)
			}
		}

		combinations = next
	}

	return &Matrix{Combinations: combinations}
}

// placeholderPattern matches {name} template placeholders.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Apply substitutes every {name} placeholder in template with the bound
// value from the combination. Names may also be bound by extra, which takes
// lower precedence than the combination itself. Any placeholder left
// unresolved is a configuration error, surfaced before a process spawns.
func Apply(template string, combo Combination, extra map[string]string) (string, error) {
	command := template

	for k, v := range combo {
		command = strings.ReplaceAll(command, "{"+k+"}", v)
	}
	for k, v := range extra {
		command = strings.ReplaceAll(command, "{"+k+"}", v)
	}

	if unresolved := placeholderPattern.FindString(command); unresolved != "" {
		return "", fmt.Errorf(
			"unresolved placeholder %s in command template %q",
			unresolved, template,
		)
	}

	return command, nil
}

// Commands renders the command template once per combination, in matrix
// order. Expansion fails before the first command is returned if any
// placeholder is unbound.
func (m *Matrix) Commands(template string, extra map[string]string) ([]string, error) {
	commands := make([]string, 0, len(m.Combinations))

	for _, combo := range m.Combinations {
		command, err := Apply(template, combo, extra)
		if err != nil {
			return nil, err
		}

		commands = append(commands, command)
	}

	return commands, nil
}
