package erpsync

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/mmdatafocus/parking_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ParentRule says a child row may only be created when the row it points to
// exists locally and, if RequiredField is set, has it filled.
type ParentRule struct {
	Field         string
	Entity        string
	ParentField   string
	RequiredField string
}

// SequenceRule is a locally allocated max+1 number scoped by another column.
type SequenceRule struct {
	Field      string
	ScopeField string
}

type EntitySpec struct {
	Name           string
	Model          any
	KeyField       string
	RequiredFields []string
	Parent         *ParentRule
	Sequence       *SequenceRule
	// NormalizedKeys maps a lookup column to the indexed column holding its
	// value with leading zeros stripped.
	NormalizedKeys map[string]string

	table   string
	columns map[string]bool
	blanks  map[string]any
}

func (s EntitySpec) Table() string {
	return s.table
}

func (s EntitySpec) HasColumn(col string) bool {
	return s.columns[col]
}

// Blank is the value a column takes when the ERP clears it. Not-null
// pointer columns cannot be cleared.
func (s EntitySpec) Blank(col string) (any, bool) {
	v, ok := s.blanks[col]
	return v, ok
}

func (s EntitySpec) NormalizedColumn(col string) (string, bool) {
	c, ok := s.NormalizedKeys[col]
	return c, ok
}

func (s EntitySpec) Columns() []string {
	out := make([]string, 0, len(s.columns))
	for c := range s.columns {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// DefaultSpecs are the parking entities the ERP can feed.
func DefaultSpecs() []EntitySpec {
	return []EntitySpec{
		{
			Name:           "customers",
			Model:          &models.Customer{},
			KeyField:       "id",
			RequiredFields: []string{"code", "name"},
			NormalizedKeys: map[string]string{"code": "code_norm"},
		},
		{
			Name:           "items",
			Model:          &models.Item{},
			KeyField:       "id",
			RequiredFields: []string{"code", "name"},
			NormalizedKeys: map[string]string{"code": "code_norm"},
		},
		{
			Name:           "contracts",
			Model:          &models.Contract{},
			KeyField:       "id",
			RequiredFields: []string{"code", "customer_code"},
			Parent:         &ParentRule{Field: "customer_code", Entity: "customers", ParentField: "code"},
			NormalizedKeys: map[string]string{"code": "code_norm"},
		},
		{
			Name:           "contract_plates",
			Model:          &models.ContractPlate{},
			KeyField:       "id",
			RequiredFields: []string{"contract_code", "plate_number"},
			Parent:         &ParentRule{Field: "contract_code", Entity: "contracts", ParentField: "code", RequiredField: "customer_code"},
			Sequence:       &SequenceRule{Field: "line_no", ScopeField: "contract_code"},
			NormalizedKeys: map[string]string{"erp_line_id": "erp_line_id_norm"},
		},
	}
}

// Registry maps entity names to their specs and gorm-backed stores.
type Registry struct {
	db    *gorm.DB
	specs map[string]EntitySpec
}

func NewRegistry(db *gorm.DB, specs ...EntitySpec) (*Registry, error) {
	if len(specs) == 0 {
		specs = DefaultSpecs()
	}
	cache := &sync.Map{}
	r := &Registry{db: db, specs: map[string]EntitySpec{}}
	for _, spec := range specs {
		sch, err := schema.Parse(spec.Model, cache, schema.NamingStrategy{})
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", spec.Name, err)
		}
		spec.table = sch.Table
		spec.columns = map[string]bool{}
		spec.blanks = map[string]any{}
		for _, name := range sch.DBNames {
			spec.columns[name] = true
		}
		for _, f := range sch.Fields {
			if f.DBName == "" {
				continue
			}
			if f.FieldType.Kind() == reflect.Ptr {
				if !f.NotNull {
					spec.blanks[f.DBName] = nil
				}
				continue
			}
			spec.blanks[f.DBName] = reflect.Zero(f.FieldType).Interface()
		}
		if spec.KeyField == "" {
			spec.KeyField = "id"
		}
		if !spec.columns[spec.KeyField] {
			return nil, fmt.Errorf("entity %s: key field %s is not a column", spec.Name, spec.KeyField)
		}
		for field, normCol := range spec.NormalizedKeys {
			if !spec.columns[field] || !spec.columns[normCol] {
				return nil, fmt.Errorf("entity %s: normalized key %s -> %s is not a column pair", spec.Name, field, normCol)
			}
		}
		if _, dup := r.specs[spec.Name]; dup {
			return nil, fmt.Errorf("entity %s registered twice", spec.Name)
		}
		r.specs[spec.Name] = spec
	}
	for _, spec := range r.specs {
		if spec.Parent != nil {
			if _, ok := r.specs[spec.Parent.Entity]; !ok {
				return nil, fmt.Errorf("entity %s: parent %s is not registered", spec.Name, spec.Parent.Entity)
			}
		}
	}
	return r, nil
}

func (r *Registry) Spec(name string) (EntitySpec, error) {
	spec, ok := r.specs[strings.TrimSpace(name)]
	if !ok {
		return EntitySpec{}, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
	}
	return spec, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Resolve(name string) (EntityStore, error) {
	spec, err := r.Spec(name)
	if err != nil {
		return nil, err
	}
	return &gormStore{db: r.db, spec: spec}, nil
}
