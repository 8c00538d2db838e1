package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/covarlab/covar/pkg/types"
)

// Contract files are the declarative YAML form of a schema draft:
//
//	datasets:
//	  - name: basic_covariates
//	    source: {kind: csv, header_row: 1}
//	    id_aliases: [SubjID, subject_id]
//	    variables:
//	      - {name: age, type: numeric, min: 0, max: 120, nullable: false}
//	      - {name: dx, type: categorical, levels: ["0", "1"], nullable: false}
//	      - {name: site_id, type: text}
//
// A variable without an explicit nullable key is optional; only
// nullable: false marks it required.

type contractFile struct {
	Datasets []contractDataset `yaml:"datasets"`
}

type contractDataset struct {
	Name      string             `yaml:"name"`
	Source    contractSource     `yaml:"source"`
	IDAliases []string           `yaml:"id_aliases"`
	Variables []contractVariable `yaml:"variables"`
}

type contractSource struct {
	Kind      string `yaml:"kind"`
	SheetName string `yaml:"sheet_name"`
	HeaderRow int    `yaml:"header_row"`
}

type contractVariable struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Nullable    *bool    `yaml:"nullable"`
	Min         *float64 `yaml:"min"`
	Max         *float64 `yaml:"max"`
	MinDate     string   `yaml:"min_date"`
	MaxDate     string   `yaml:"max_date"`
	Levels      []string `yaml:"levels"`
	Unit        string   `yaml:"unit"`
	Description string   `yaml:"description"`
	Retired     bool     `yaml:"retired"`
}

// ParseContract decodes a YAML contract into a draft. Shape problems
// (bad YAML, unknown keys) fail here; semantic problems are left to
// ValidateDraft at publish time so both entry points share one check.
func ParseContract(data []byte) (*types.SchemaDraft, error) {
	var file contractFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("schema: failed to parse contract: %w", err)
	}

	draft := &types.SchemaDraft{}
	for _, ds := range file.Datasets {
		out := types.DatasetDefinition{
			Name: ds.Name,
			Source: types.SourceSpec{
				Kind:      types.SourceKind(ds.Source.Kind),
				SheetName: ds.Source.SheetName,
				HeaderRow: ds.Source.HeaderRow,
			},
			IDAliases: ds.IDAliases,
		}
		for _, v := range ds.Variables {
			nullable := true
			if v.Nullable != nil {
				nullable = *v.Nullable
			}
			out.Variables = append(out.Variables, types.VariableDefinition{
				Name:        v.Name,
				Dataset:     ds.Name,
				Type:        types.VariableType(v.Type),
				Nullable:    nullable,
				Min:         v.Min,
				Max:         v.Max,
				MinDate:     v.MinDate,
				MaxDate:     v.MaxDate,
				Levels:      v.Levels,
				Unit:        v.Unit,
				Description: v.Description,
				Retired:     v.Retired,
			})
		}
		draft.Datasets = append(draft.Datasets, out)
	}
	return draft, nil
}

// LoadContract reads and parses a contract file from disk.
func LoadContract(path string) (*types.SchemaDraft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to read contract file: %w", err)
	}
	return ParseContract(data)
}
