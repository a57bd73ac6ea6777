package profile

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the locally cached set of patient records used when the patient
// store cannot be reached.
type Catalog struct {
	order   []string
	records map[string]PatientRecord
}

type catalogFile struct {
	Patients []PatientRecord `yaml:"patients"`
}

// LoadCatalog reads a YAML catalog. A missing file yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewCatalog(nil)
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewCatalog(file.Patients)
}

func NewCatalog(records []PatientRecord) (*Catalog, error) {
	c := &Catalog{records: make(map[string]PatientRecord, len(records))}
	for _, r := range records {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog entry %q has no id", r.Name)
		}
		if _, dup := c.records[id]; dup {
			return nil, fmt.Errorf("catalog entry %q is duplicated", id)
		}
		c.order = append(c.order, id)
		c.records[id] = r
	}
	return c, nil
}

func (c *Catalog) Get(id string) (PatientRecord, bool) {
	if c == nil {
		return PatientRecord{}, false
	}
	r, ok := c.records[id]
	return r, ok
}

// List returns records in file order.
func (c *Catalog) List() []PatientRecord {
	if c == nil {
		return nil
	}
	out := make([]PatientRecord, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.records[id])
	}
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}
