package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var codePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ValidCode reports whether s is a well-formed permission or module code
func ValidCode(s string) bool {
	return codePattern.MatchString(s)
}

// Catalog is the module registry: the closed, versioned set of modules, the
// permission codes each owns and the dependency edges between them. A Catalog
// is immutable; registering modules produces a new one with a higher version.
// Every Catalog returned by this package is acyclic.
type Catalog struct {
	version int64
	modules map[ModuleCode]Module
	owner   map[PermissionCode]ModuleCode
}

// NewCatalog returns an empty catalog at version 0
func NewCatalog() *Catalog {
	return &Catalog{
		modules: make(map[ModuleCode]Module),
		owner:   make(map[PermissionCode]ModuleCode),
	}
}

// catalogAt rebuilds a persisted catalog at its recorded version
func catalogAt(version int64, mods []Module) (*Catalog, error) {
	c, err := NewCatalog().With(mods...)
	if err != nil {
		return nil, err
	}
	c.version = version
	return c, nil
}

// Version increases every time modules are registered
func (c *Catalog) Version() int64 {
	return c.version
}

// Len returns the number of registered modules
func (c *Catalog) Len() int {
	return len(c.modules)
}

// Module looks up a registered module
func (c *Catalog) Module(code ModuleCode) (Module, bool) {
	m, ok := c.modules[code]
	return m, ok
}

// Modules returns all modules ordered by code
func (c *Catalog) Modules() []Module {
	out := make([]Module, 0, len(c.modules))
	for _, m := range c.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// OwnerOf returns the module owning a permission code
func (c *Catalog) OwnerOf(code PermissionCode) (ModuleCode, bool) {
	m, ok := c.owner[code]
	return m, ok
}

// Known reports whether code belongs to the closed permission set
func (c *Catalog) Known(code PermissionCode) bool {
	_, ok := c.owner[code]
	return ok
}

// Codes returns every known permission code ordered lexically
func (c *Catalog) Codes() []PermissionCode {
	out := make([]PermissionCode, 0, len(c.owner))
	for code := range c.owner {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// With returns a new catalog containing the given modules in addition to the
// current ones. A module whose code is already registered replaces the old
// definition. The result is rejected if any dependency names an unknown
// module, a permission code is claimed twice, or the graph has a cycle.
func (c *Catalog) With(mods ...Module) (*Catalog, error) {
	next := &Catalog{
		version: c.version + 1,
		modules: make(map[ModuleCode]Module, len(c.modules)+len(mods)),
		owner:   make(map[PermissionCode]ModuleCode, len(c.owner)),
	}
	for code, m := range c.modules {
		next.modules[code] = m
	}

	seen := make(map[ModuleCode]bool, len(mods))
	for _, m := range mods {
		if err := validateModule(m); err != nil {
			return nil, err
		}
		if seen[m.Code] {
			return nil, fmt.Errorf("%w: module %s listed twice", ErrInvalidInput, m.Code)
		}
		seen[m.Code] = true
		next.modules[m.Code] = cloneModule(m)
	}

	for _, m := range next.modules {
		for _, p := range m.Permissions {
			if other, ok := next.owner[p]; ok && other != m.Code {
				return nil, fmt.Errorf("%w: %s claimed by %s and %s", ErrDuplicatePermission, p, other, m.Code)
			}
			next.owner[p] = m.Code
		}
		for _, d := range m.Dependencies {
			if _, ok := next.modules[d.Module]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownModule, m.Code, d.Module)
			}
		}
	}

	if cycle := next.findCycle(); cycle != nil {
		parts := make([]string, len(cycle))
		for i, m := range cycle {
			parts[i] = string(m)
		}
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(parts, " -> "))
	}

	return next, nil
}

// findCycle runs a three-colour depth-first search over every dependency
// edge, hard or soft, and returns the first cycle found as a path that starts
// and ends on the same module.
func (c *Catalog) findCycle() []ModuleCode {
	const (
		white = iota
		grey
		black
	)
	color := make(map[ModuleCode]int, len(c.modules))
	var stack []ModuleCode

	var visit func(ModuleCode) []ModuleCode
	visit = func(code ModuleCode) []ModuleCode {
		color[code] = grey
		stack = append(stack, code)
		for _, d := range c.modules[code].Dependencies {
			switch color[d.Module] {
			case grey:
				for i, s := range stack {
					if s == d.Module {
						cycle := append([]ModuleCode{}, stack[i:]...)
						return append(cycle, d.Module)
					}
				}
			case white:
				if cycle := visit(d.Module); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[code] = black
		return nil
	}

	// Deterministic order keeps error messages stable
	codes := make([]ModuleCode, 0, len(c.modules))
	for code := range c.modules {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	for _, code := range codes {
		if color[code] == white {
			if cycle := visit(code); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func validateModule(m Module) error {
	if !ValidCode(string(m.Code)) {
		return fmt.Errorf("%w: module code %q", ErrInvalidInput, m.Code)
	}
	codes := make(map[PermissionCode]bool, len(m.Permissions))
	for _, p := range m.Permissions {
		if !ValidCode(string(p)) {
			return fmt.Errorf("%w: permission code %q in module %s", ErrInvalidInput, p, m.Code)
		}
		if codes[p] {
			return fmt.Errorf("%w: permission %s listed twice in module %s", ErrInvalidInput, p, m.Code)
		}
		codes[p] = true
	}
	deps := make(map[ModuleCode]bool, len(m.Dependencies))
	for _, d := range m.Dependencies {
		if d.Module == m.Code {
			return fmt.Errorf("%w: %s -> %s", ErrCyclicDependency, m.Code, m.Code)
		}
		if deps[d.Module] {
			return fmt.Errorf("%w: dependency %s listed twice in module %s", ErrInvalidInput, d.Module, m.Code)
		}
		deps[d.Module] = true
	}
	return nil
}

func cloneModule(m Module) Module {
	out := m
	out.Permissions = append([]PermissionCode(nil), m.Permissions...)
	out.Dependencies = append([]Dependency(nil), m.Dependencies...)
	return out
}
