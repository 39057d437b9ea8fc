package policy

import "errors"

var (
	// ErrNotFound is returned when a user, role, module or subscription does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed identifiers, codes or enum values
	ErrInvalidInput = errors.New("invalid input")

	// ErrDataFetch wraps any failure to read facts from the backing store.
	// Callers must never translate it into an empty permission set.
	ErrDataFetch = errors.New("policy store unavailable")

	// ErrCyclicDependency is returned when registering modules would create a
	// cycle in the dependency graph
	ErrCyclicDependency = errors.New("cyclic module dependency")

	// ErrUnknownModule is returned when a dependency or subscription names an
	// unregistered module
	ErrUnknownModule = errors.New("unknown module")

	// ErrUnknownPermission is returned when a mutation names a code absent from the catalog
	ErrUnknownPermission = errors.New("unknown permission code")

	// ErrUnmetDependency is returned when a module is enabled while one of its
	// hard dependencies is not
	ErrUnmetDependency = errors.New("unmet module dependency")

	// ErrDuplicatePermission is returned when two modules claim the same code
	ErrDuplicatePermission = errors.New("permission code owned by another module")
)
