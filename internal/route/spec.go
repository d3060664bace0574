// Package route holds the static table that binds HTTP paths to external
// executables, and the handlers that run them.
package route

import (
	"fmt"
	"time"

	"github.com/imgdispatch/imgdispatch/internal/config"
	"github.com/imgdispatch/imgdispatch/internal/invoker"
)

// Arg is one flag token and its value, passed to the executable in order.
type Arg struct {
	Flag  string
	Value string
}

// Spec binds one HTTP path to one executable and its fixed arguments.
// All values are fully resolved; nothing is substituted per request.
type Spec struct {
	Name        string
	Path        string
	Description string
	Executable  string
	Args        []Arg
	Heading     string
	Summary     string
	ResultPath  string
	Timeout     time.Duration
}

// Argv flattens Args into the positional vector handed to the executable.
func (s Spec) Argv() []string {
	argv := make([]string, 0, 2*len(s.Args))
	for _, a := range s.Args {
		argv = append(argv, a.Flag, a.Value)
	}
	return argv
}

// Command builds the invoker command for this route.
func (s Spec) Command() invoker.Command {
	return invoker.Command{
		Name:       s.Name,
		Path:       s.Executable,
		Args:       s.Argv(),
		ResultPath: s.ResultPath,
		Timeout:    s.Timeout,
	}
}

// Table is the ordered, immutable set of routes established at startup.
type Table struct {
	specs  []Spec
	byPath map[string]int
}

// NewTable builds a table, rejecting duplicate paths and names.
func NewTable(specs ...Spec) (*Table, error) {
	t := &Table{
		specs:  make([]Spec, 0, len(specs)),
		byPath: make(map[string]int, len(specs)),
	}
	names := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Path == "" || s.Name == "" || s.Executable == "" {
			return nil, fmt.Errorf("route %q: name, path and executable are required", s.Name)
		}
		if _, dup := t.byPath[s.Path]; dup {
			return nil, fmt.Errorf("route %q: duplicate path %q", s.Name, s.Path)
		}
		if names[s.Name] {
			return nil, fmt.Errorf("route %q: duplicate name", s.Name)
		}
		names[s.Name] = true

		s.Args = append([]Arg(nil), s.Args...)
		t.byPath[s.Path] = len(t.specs)
		t.specs = append(t.specs, s)
	}
	return t, nil
}

// FromConfig resolves the configured routes: ${var} references are expanded
// and routes without a timeout inherit the invoker default, unless they set
// no_timeout.
func FromConfig(cfg *config.Config) (*Table, error) {
	specs := make([]Spec, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		s := Spec{
			Name:        rc.Name,
			Path:        rc.Path,
			Description: rc.Description,
			Executable:  cfg.Expand(rc.Executable),
			Heading:     rc.Heading,
			Summary:     cfg.Expand(rc.Summary),
			ResultPath:  cfg.Expand(rc.ResultPath),
			Timeout:     rc.Timeout,
		}
		if s.Timeout == 0 && !rc.NoTimeout {
			s.Timeout = cfg.Invoker.DefaultTimeout
		}
		for _, a := range rc.Args {
			s.Args = append(s.Args, Arg{Flag: a.Flag, Value: cfg.Expand(a.Value)})
		}
		specs = append(specs, s)
	}
	return NewTable(specs...)
}

// Specs returns the routes in registration order.
func (t *Table) Specs() []Spec {
	out := make([]Spec, len(t.specs))
	copy(out, t.specs)
	return out
}

// Lookup finds the route bound to path.
func (t *Table) Lookup(path string) (Spec, bool) {
	i, ok := t.byPath[path]
	if !ok {
		return Spec{}, false
	}
	return t.specs[i], true
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.specs)
}
