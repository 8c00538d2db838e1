package types

import "time"

// DateLayout is the canonical form for date values and date constraints.
const DateLayout = "2006-01-02"

// VariableType is the semantic type of a variable. Validation and query
// type-checking dispatch on this fixed set; there is no open-ended type
// hierarchy.
type VariableType string

const (
	VariableNumeric     VariableType = "numeric"
	VariableCategorical VariableType = "categorical"
	VariableDate        VariableType = "date"
	VariableText        VariableType = "text"
)

// Valid reports whether t is one of the defined variable types.
func (t VariableType) Valid() bool {
	switch t {
	case VariableNumeric, VariableCategorical, VariableDate, VariableText:
		return true
	}
	return false
}

// VariableDefinition describes one variable within a published schema
// version: its semantic type, whether a value is required, and the
// constraint record for its type. Definitions are immutable once the
// owning version is published.
type VariableDefinition struct {
	// Name is the canonical variable name, unique within a schema version
	Name string `json:"name"`

	// Dataset is the source dataset the variable belongs to
	Dataset string `json:"dataset"`

	// Type selects the constraint record that applies
	Type VariableType `json:"type"`

	// Nullable indicates a value may be absent; required means not nullable
	Nullable bool `json:"nullable"`

	// Min and Max bound numeric values, inclusive (nil = unbounded)
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// MinDate and MaxDate bound date values, inclusive, in 2006-01-02 form
	MinDate string `json:"min_date,omitempty"`
	MaxDate string `json:"max_date,omitempty"`

	// Levels enumerates the allowed values for categorical variables
	Levels []string `json:"levels,omitempty"`

	// Unit is informational (e.g. "years")
	Unit string `json:"unit,omitempty"`

	// Description is informational
	Description string `json:"description,omitempty"`

	// Retired marks a variable that newer uploads must not use; historical
	// values remain interpretable through the version that defined them
	Retired bool `json:"retired,omitempty"`
}

// Required reports whether every row must carry a value for the variable.
func (d *VariableDefinition) Required() bool {
	return !d.Nullable
}

// HasLevel reports whether v is one of the declared categorical levels.
func (d *VariableDefinition) HasLevel(v string) bool {
	for _, l := range d.Levels {
		if l == v {
			return true
		}
	}
	return false
}

// SourceKind is the physical format a dataset arrives in.
type SourceKind string

const (
	SourceCSV  SourceKind = "csv"
	SourceXLSX SourceKind = "xlsx"
)

// SourceSpec configures how a dataset's files are read.
type SourceSpec struct {
	// Kind is csv or xlsx
	Kind SourceKind `json:"kind"`

	// SheetName selects the worksheet for xlsx sources; empty means the
	// first sheet
	SheetName string `json:"sheet_name,omitempty"`

	// HeaderRow is the 1-based row holding column headers; rows above it
	// are skipped. Zero means row 1.
	HeaderRow int `json:"header_row,omitempty"`
}

// DatasetDefinition groups the variables contributed by one dataset and
// the source configuration for reading its files.
type DatasetDefinition struct {
	// Name is the dataset name, unique within a schema version
	Name string `json:"name"`

	// Source configures parsing for this dataset's uploads
	Source SourceSpec `json:"source"`

	// IDAliases are accepted headers for the participant key column,
	// in addition to the canonical "participant_id"
	IDAliases []string `json:"id_aliases,omitempty"`

	// Variables are the definitions owned by this dataset
	Variables []VariableDefinition `json:"variables"`
}

// SchemaDraft is the input to publication: datasets and variables without
// a version number. Publication validates the draft and freezes it as the
// next SchemaVersion.
type SchemaDraft struct {
	Datasets []DatasetDefinition `json:"datasets"`
}

// SchemaVersion is an immutable, monotonically numbered snapshot of the
// schema contract. Every stored value references exactly one variable
// definition from exactly one version.
type SchemaVersion struct {
	// Version is the monotonic version number, starting at 1
	Version int64 `json:"version"`

	// PublishedAt is when the version was frozen
	PublishedAt time.Time `json:"published_at"`

	// Datasets are the dataset definitions owned by this version
	Datasets []DatasetDefinition `json:"datasets"`
}

// Variable looks up a definition by canonical name across all datasets.
func (s *SchemaVersion) Variable(name string) (*VariableDefinition, bool) {
	for i := range s.Datasets {
		for j := range s.Datasets[i].Variables {
			if s.Datasets[i].Variables[j].Name == name {
				return &s.Datasets[i].Variables[j], true
			}
		}
	}
	return nil, false
}

// Dataset looks up a dataset definition by name.
func (s *SchemaVersion) Dataset(name string) (*DatasetDefinition, bool) {
	for i := range s.Datasets {
		if s.Datasets[i].Name == name {
			return &s.Datasets[i], true
		}
	}
	return nil, false
}

// VariableIndex builds a name-to-definition lookup for the version.
// Callers hold the map for the duration of a batch or query; the version
// itself stays a plain immutable document.
func (s *SchemaVersion) VariableIndex() map[string]*VariableDefinition {
	idx := make(map[string]*VariableDefinition)
	for i := range s.Datasets {
		for j := range s.Datasets[i].Variables {
			v := &s.Datasets[i].Variables[j]
			idx[v.Name] = v
		}
	}
	return idx
}

// VariableCount returns the number of definitions across all datasets.
func (s *SchemaVersion) VariableCount() int {
	n := 0
	for i := range s.Datasets {
		n += len(s.Datasets[i].Variables)
	}
	return n
}
