package doctor

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type catalogFile struct {
	Doctors []Doctor `toml:"doctor"`
}

// LoadCatalog reads doctors from a TOML file of [[doctor]] tables.
func LoadCatalog(path string) ([]Doctor, error) {
	var file catalogFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("decode doctor catalog %s: %w", path, err)
	}
	return validateCatalog(file.Doctors)
}

// ParseCatalog decodes a catalog from TOML text.
func ParseCatalog(data string) ([]Doctor, error) {
	var file catalogFile
	if _, err := toml.Decode(data, &file); err != nil {
		return nil, fmt.Errorf("decode doctor catalog: %w", err)
	}
	return validateCatalog(file.Doctors)
}

func validateCatalog(doctors []Doctor) ([]Doctor, error) {
	if len(doctors) == 0 {
		return nil, fmt.Errorf("doctor catalog is empty")
	}

	seen := make(map[string]struct{}, len(doctors))
	for i, d := range doctors {
		if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.Name) == "" || strings.TrimSpace(d.Specialty) == "" {
			return nil, fmt.Errorf("doctor #%d: id, name and specialty are required", i+1)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("doctor #%d: duplicate id %q", i+1, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return doctors, nil
}
