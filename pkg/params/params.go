package params

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/DataBiosphere/dsub-sub000/pkg/paths"
	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

var (
	// ErrInvalidName is returned for parameter names outside the POSIX
	// portable character set and for malformed label names or values.
	ErrInvalidName = errors.New("invalid parameter name")

	// ErrDuplicateName is returned when the same name is bound twice
	// across the env/input/output namespace.
	ErrDuplicateName = errors.New("duplicate parameter name")
)

// Parameter names must be valid shell identifiers.
var nameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Labels follow the stricter cloud label constraints: lowercase, digits,
// hyphens, underscores; must start with a letter.
var (
	labelNameRe  = regexp.MustCompile(`^[a-z]([-_a-z0-9]{0,62})?$`)
	labelValueRe = regexp.MustCompile(`^[-_a-z0-9]{0,63}$`)
)

// EnvParam is a named environment variable passed to the user command.
type EnvParam struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// LabelParam is a job or task label. Labels live in their own namespace,
// disjoint from envs, inputs, and outputs.
type LabelParam struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// InputParam binds a name to a remote or local location staged onto the
// data disk before the user command runs.
type InputParam struct {
	Name      string      `yaml:"name" json:"name"`
	Path      *paths.Path `yaml:"-" json:"-"`
	Raw       string      `yaml:"value" json:"value"`
	Recursive bool        `yaml:"recursive,omitempty" json:"recursive,omitempty"`
}

// OutputParam binds a name to a location outputs are copied back to after
// a successful run.
type OutputParam struct {
	Name      string      `yaml:"name" json:"name"`
	Path      *paths.Path `yaml:"-" json:"-"`
	Raw       string      `yaml:"value" json:"value"`
	Recursive bool        `yaml:"recursive,omitempty" json:"recursive,omitempty"`
}

// MountParam attaches a read-only bucket or disk under the mount root.
type MountParam struct {
	Name string `yaml:"name" json:"name"`
	Raw  string `yaml:"value" json:"value"`
}

// ContainerPath is where the mount appears inside the container. Mounts
// are keyed by name, not by their remote path.
func (m MountParam) ContainerPath() string {
	return path.Join(types.DataMountPoint, types.MountDir, m.Name)
}

// Set is the complete parameter set for one task.
type Set struct {
	Envs    []EnvParam
	Inputs  []InputParam
	Outputs []OutputParam
	Mounts  []MountParam
	Labels  []LabelParam
}

// NewEnv validates and builds an env parameter from a NAME=VALUE pair.
func NewEnv(arg string) (EnvParam, error) {
	name, value, ok := strings.Cut(arg, "=")
	if !ok || name == "" {
		return EnvParam{}, fmt.Errorf("%w: env must be NAME=VALUE, got %q", ErrInvalidName, arg)
	}
	if !nameRe.MatchString(name) {
		return EnvParam{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return EnvParam{Name: name, Value: value}, nil
}

// NewLabel validates and builds a label from a NAME=VALUE pair.
func NewLabel(arg string) (LabelParam, error) {
	name, value, _ := strings.Cut(arg, "=")
	if !labelNameRe.MatchString(name) {
		return LabelParam{}, fmt.Errorf("%w: label name %q must be lowercase letters, digits, hyphens, or underscores and start with a letter", ErrInvalidName, name)
	}
	if !labelValueRe.MatchString(value) {
		return LabelParam{}, fmt.Errorf("%w: label value %q must be lowercase letters, digits, hyphens, or underscores", ErrInvalidName, value)
	}
	return LabelParam{Name: name, Value: value}, nil
}

// Namer synthesizes positional names for inputs and outputs supplied
// without one. Counters advance per role per task.
type Namer struct {
	counts map[string]int
}

// NewNamer returns a Namer with all counters at zero.
func NewNamer() *Namer {
	return &Namer{counts: make(map[string]int)}
}

// Next returns the next positional name for a role, e.g. INPUT_0.
func (n *Namer) Next(role string) string {
	name := fmt.Sprintf("%s_%d", strings.ToUpper(role), n.counts[role])
	n.counts[role]++
	return name
}

// splitNamed separates an optional NAME= prefix from a value. A value that
// starts with a scheme or path character has no name.
func splitNamed(arg string) (name, value string) {
	eq := strings.Index(arg, "=")
	if eq <= 0 {
		return "", arg
	}
	candidate := arg[:eq]
	if !nameRe.MatchString(candidate) {
		return "", arg
	}
	return candidate, arg[eq+1:]
}

// NewInput validates and builds an input parameter. When arg carries no
// NAME= prefix a positional name is drawn from namer.
func NewInput(arg string, recursive bool, namer *Namer) (InputParam, error) {
	name, value := splitNamed(arg)
	if name == "" {
		if recursive {
			name = namer.Next("input_recursive")
		} else {
			name = namer.Next(string(paths.RoleInput))
		}
	}
	p, err := paths.Parse(value, paths.RoleInput, recursive)
	if err != nil {
		return InputParam{}, err
	}
	return InputParam{Name: name, Path: p, Raw: p.Raw, Recursive: recursive}, nil
}

// NewOutput validates and builds an output parameter.
func NewOutput(arg string, recursive bool, namer *Namer) (OutputParam, error) {
	name, value := splitNamed(arg)
	if name == "" {
		if recursive {
			name = namer.Next("output_recursive")
		} else {
			name = namer.Next(string(paths.RoleOutput))
		}
	}
	p, err := paths.Parse(value, paths.RoleOutput, recursive)
	if err != nil {
		return OutputParam{}, err
	}
	return OutputParam{Name: name, Path: p, Raw: p.Raw, Recursive: recursive}, nil
}

// NewMount validates and builds a mount parameter from NAME=SPEC.
func NewMount(arg string) (MountParam, error) {
	name, value, ok := strings.Cut(arg, "=")
	if !ok || name == "" || value == "" {
		return MountParam{}, fmt.Errorf("%w: mount must be NAME=SPEC, got %q", ErrInvalidName, arg)
	}
	if !nameRe.MatchString(name) {
		return MountParam{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, err := paths.Parse(value, paths.RoleMount, false); err != nil {
		return MountParam{}, err
	}
	return MountParam{Name: name, Raw: value}, nil
}

// Names returns every name bound in the shared env/input/output/mount namespace.
func (s *Set) Names() []string {
	var names []string
	for _, e := range s.Envs {
		names = append(names, e.Name)
	}
	for _, i := range s.Inputs {
		names = append(names, i.Name)
	}
	for _, o := range s.Outputs {
		names = append(names, o.Name)
	}
	for _, m := range s.Mounts {
		names = append(names, m.Name)
	}
	return names
}

// Validate checks for collisions within the shared namespace. Labels are
// checked separately against themselves only.
func (s *Set) Validate() error {
	seen := make(map[string]bool)
	for _, name := range s.Names() {
		if seen[name] {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		seen[name] = true
	}
	labels := make(map[string]bool)
	for _, l := range s.Labels {
		if labels[l.Name] {
			return fmt.Errorf("%w: label %q", ErrDuplicateName, l.Name)
		}
		labels[l.Name] = true
	}
	return nil
}

// Merge combines the command-line set with a tasks-file row. Collisions
// across the shared namespace are rejected; the row's labels are appended.
func Merge(cli, row *Set) (*Set, error) {
	merged := &Set{
		Envs:    append([]EnvParam{}, cli.Envs...),
		Inputs:  append([]InputParam{}, cli.Inputs...),
		Outputs: append([]OutputParam{}, cli.Outputs...),
		Mounts:  append([]MountParam{}, cli.Mounts...),
		Labels:  append([]LabelParam{}, cli.Labels...),
	}
	merged.Envs = append(merged.Envs, row.Envs...)
	merged.Inputs = append(merged.Inputs, row.Inputs...)
	merged.Outputs = append(merged.Outputs, row.Outputs...)
	merged.Mounts = append(merged.Mounts, row.Mounts...)
	merged.Labels = append(merged.Labels, row.Labels...)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// EnvMap returns the declared envs as a map.
func (s *Set) EnvMap() map[string]string {
	m := make(map[string]string, len(s.Envs))
	for _, e := range s.Envs {
		m[e.Name] = e.Value
	}
	return m
}

// InputMap returns input names mapped to their raw remote values.
func (s *Set) InputMap() map[string]string {
	m := make(map[string]string, len(s.Inputs))
	for _, i := range s.Inputs {
		m[i.Name] = i.Raw
	}
	return m
}

// OutputMap returns output names mapped to their raw remote values.
func (s *Set) OutputMap() map[string]string {
	m := make(map[string]string, len(s.Outputs))
	for _, o := range s.Outputs {
		m[o.Name] = o.Raw
	}
	return m
}

// LabelMap returns the labels as a map.
func (s *Set) LabelMap() map[string]string {
	m := make(map[string]string, len(s.Labels))
	for _, l := range s.Labels {
		m[l.Name] = l.Value
	}
	return m
}
