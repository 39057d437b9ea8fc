package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModules() []Module {
	return []Module{
		{Code: "POS", Name: "Point of Sale", IsCore: true, Permissions: []PermissionCode{"POS_CREATE_SALE", "POS_REFUND"}},
		{Code: "INVENTORY", Name: "Inventory", Permissions: []PermissionCode{"INVENTORY_PO_APPROVE", "INVENTORY_VIEW"},
			Dependencies: []Dependency{{Module: "POS", Required: true}}},
		{Code: "REPORTS", Name: "Reports", Permissions: []PermissionCode{"REPORTS_VIEW"},
			Dependencies: []Dependency{{Module: "INVENTORY", Required: false}}},
	}
}

func TestCatalog_With(t *testing.T) {
	c, err := NewCatalog().With(testModules()...)
	require.NoError(t, err)

	assert.Equal(t, int64(1), c.Version())
	assert.Equal(t, 3, c.Len())

	owner, ok := c.OwnerOf("INVENTORY_PO_APPROVE")
	assert.True(t, ok)
	assert.Equal(t, ModuleCode("INVENTORY"), owner)

	assert.True(t, c.Known("POS_REFUND"))
	assert.False(t, c.Known("DOES_NOT_EXIST"))
	assert.Equal(t, []PermissionCode{"INVENTORY_PO_APPROVE", "INVENTORY_VIEW", "POS_CREATE_SALE", "POS_REFUND", "REPORTS_VIEW"}, c.Codes())

	mods := c.Modules()
	require.Len(t, mods, 3)
	assert.Equal(t, ModuleCode("INVENTORY"), mods[0].Code)
}

func TestCatalog_WithReplacesModule(t *testing.T) {
	c, err := NewCatalog().With(testModules()...)
	require.NoError(t, err)

	next, err := c.With(Module{Code: "REPORTS", Name: "Reporting", Permissions: []PermissionCode{"REPORTS_EXPORT"}})
	require.NoError(t, err)

	assert.Equal(t, int64(2), next.Version())
	assert.False(t, next.Known("REPORTS_VIEW"))
	assert.True(t, next.Known("REPORTS_EXPORT"))

	// the original is untouched
	assert.True(t, c.Known("REPORTS_VIEW"))
	assert.Equal(t, int64(1), c.Version())
}

func TestCatalog_RejectsCycles(t *testing.T) {
	tests := []struct {
		name string
		mods []Module
	}{
		{
			name: "self dependency",
			mods: []Module{{Code: "A", Dependencies: []Dependency{{Module: "A", Required: true}}}},
		},
		{
			name: "two module cycle",
			mods: []Module{
				{Code: "A", Dependencies: []Dependency{{Module: "B", Required: true}}},
				{Code: "B", Dependencies: []Dependency{{Module: "A", Required: true}}},
			},
		},
		{
			name: "soft edge closes cycle",
			mods: []Module{
				{Code: "A", Dependencies: []Dependency{{Module: "B", Required: true}}},
				{Code: "B", Dependencies: []Dependency{{Module: "C", Required: true}}},
				{Code: "C", Dependencies: []Dependency{{Module: "A", Required: false}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog().With(tt.mods...)
			assert.True(t, errors.Is(err, ErrCyclicDependency), "got %v", err)
		})
	}
}

func TestCatalog_CycleAcrossRegistrations(t *testing.T) {
	c, err := NewCatalog().With(
		Module{Code: "A", Dependencies: []Dependency{{Module: "B", Required: true}}},
		Module{Code: "B"},
	)
	require.NoError(t, err)

	_, err = c.With(Module{Code: "B", Dependencies: []Dependency{{Module: "A", Required: true}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicDependency)
	assert.Contains(t, err.Error(), "A -> B -> A")

	// rejected registration leaves the catalog as it was
	m, ok := c.Module("B")
	require.True(t, ok)
	assert.Empty(t, m.Dependencies)
}

func TestCatalog_RejectsInvalidDefinitions(t *testing.T) {
	base, err := NewCatalog().With(testModules()...)
	require.NoError(t, err)

	tests := []struct {
		name string
		mod  Module
		want error
	}{
		{"lowercase code", Module{Code: "pos"}, ErrInvalidInput},
		{"bad permission code", Module{Code: "X", Permissions: []PermissionCode{"x-view"}}, ErrInvalidInput},
		{"duplicate permission in module", Module{Code: "X", Permissions: []PermissionCode{"X_VIEW", "X_VIEW"}}, ErrInvalidInput},
		{"permission owned elsewhere", Module{Code: "X", Permissions: []PermissionCode{"POS_REFUND"}}, ErrDuplicatePermission},
		{"unknown dependency", Module{Code: "X", Dependencies: []Dependency{{Module: "NOPE", Required: true}}}, ErrUnknownModule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := base.With(tt.mod)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCatalog_DefinitionsAreCopied(t *testing.T) {
	mods := testModules()
	c, err := NewCatalog().With(mods...)
	require.NoError(t, err)

	mods[0].Permissions[0] = "MUTATED"

	assert.True(t, c.Known("POS_CREATE_SALE"))
	assert.False(t, c.Known("MUTATED"))
}

func TestParseCatalogFile(t *testing.T) {
	data := []byte(`
modules:
  - code: POS
    name: Point of Sale
    core: true
    permissions: [POS_CREATE_SALE]
  - code: INVENTORY
    name: Inventory
    permissions: [INVENTORY_PO_APPROVE]
    dependencies:
      - module: POS
        required: true
`)

	mods, err := ParseCatalogFile(data)
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.True(t, mods[0].IsCore)
	assert.Equal(t, []Dependency{{Module: "POS", Required: true}}, mods[1].Dependencies)
}

func TestParseCatalogFile_Errors(t *testing.T) {
	_, err := ParseCatalogFile([]byte("modules: [[["))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ParseCatalogFile([]byte("modules: []"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ParseCatalogFile([]byte(`
modules:
  - code: A
    dependencies: [{module: B, required: true}]
  - code: B
    dependencies: [{module: A, required: false}]
`))
	assert.ErrorIs(t, err, ErrCyclicDependency)
}
