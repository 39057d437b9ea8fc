package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogFile is the on-disk module catalog format
//
//	modules:
//	  - code: POS
//	    name: Point of Sale
//	    core: true
//	    permissions: [POS_CREATE_SALE, POS_REFUND]
//	  - code: INVENTORY
//	    name: Inventory
//	    permissions: [INVENTORY_PO_APPROVE]
//	    dependencies:
//	      - module: POS
//	        required: true
type CatalogFile struct {
	Modules []Module `yaml:"modules"`
}

// LoadCatalogFile reads and parses a module catalog file
func LoadCatalogFile(path string) ([]Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseCatalogFile(data)
}

// ParseCatalogFile decodes a catalog document and checks that the modules it
// declares form a valid graph on their own
func ParseCatalogFile(data []byte) ([]Module, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse catalog file: %v", ErrInvalidInput, err)
	}
	if len(file.Modules) == 0 {
		return nil, fmt.Errorf("%w: catalog file declares no modules", ErrInvalidInput)
	}
	if _, err := NewCatalog().With(file.Modules...); err != nil {
		return nil, err
	}
	return file.Modules, nil
}
