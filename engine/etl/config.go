// Package etl is the ingestion engine: it pulls raw records from a source,
// maps and validates them into graph entities and relations, optionally runs
// extraction over free text, and writes idempotent batches to the graph
// store under a bounded worker pool.
package etl

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/kgraphio/kgraph/engine/domain"
)

const (
	// DefaultBatchSize is the records-per-transaction default.
	DefaultBatchSize = 1000
	// MaxBatchSize caps a single transaction.
	MaxBatchSize = 5000
	// MaxWorkers caps the write pool regardless of core count.
	MaxWorkers = 32
)

// FieldMapping maps one source field to one target property.
type FieldMapping struct {
	SourceField    string `json:"source_field"`
	TargetProperty string `json:"target_property"`
	Transform      string `json:"transform,omitempty"` // see transform.go
	Default        any    `json:"default,omitempty"`
	Required       bool   `json:"required,omitempty"`
}

// EntityMapping describes how to build one entity per record.
type EntityMapping struct {
	Type   domain.EntityType `json:"type"`
	Fields []FieldMapping    `json:"fields"`
}

// RelationMapping describes how to build one relation per record.
type RelationMapping struct {
	Type          domain.RelationType `json:"type"`
	SourceIDField string              `json:"source_id_field"`
	TargetIDField string              `json:"target_id_field"`
	Fields        []FieldMapping      `json:"fields,omitempty"`
}

// SourceConfig names where records come from.
type SourceConfig struct {
	Type string `json:"type"` // "jsonl" or "inline"
	Path string `json:"path,omitempty"`
}

// ExtractionConfig enables the two-stage extractor over a text field.
type ExtractionConfig struct {
	Enabled   bool    `json:"enabled"`
	TextField string  `json:"text_field,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// JobConfig is one ingestion job, loaded from a JSON file.
type JobConfig struct {
	Name           string            `json:"name"`
	Source         SourceConfig      `json:"source"`
	Entities       []EntityMapping   `json:"entities,omitempty"`
	Relations      []RelationMapping `json:"relations,omitempty"`
	Extraction     ExtractionConfig  `json:"extraction,omitempty"`
	BatchSize      int               `json:"batch_size,omitempty"`
	Workers        int               `json:"workers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// LoadJobConfig reads and validates a job config file.
func LoadJobConfig(path string) (JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return JobConfig{}, fmt.Errorf("etl: read job config: %w", err)
	}
	return ParseJobConfig(data)
}

// ParseJobConfig parses and validates a job config.
func ParseJobConfig(data []byte) (JobConfig, error) {
	var job JobConfig
	if err := json.Unmarshal(data, &job); err != nil {
		return JobConfig{}, &domain.ConfigError{Field: "job", Detail: err.Error()}
	}
	if err := job.Validate(); err != nil {
		return JobConfig{}, err
	}
	return job, nil
}

// Validate checks the config and fills in defaults. A bad config is fatal
// before any record is read.
func (j *JobConfig) Validate() error {
	if j.Name == "" {
		return &domain.ConfigError{Field: "name", Detail: "job name is required"}
	}
	switch j.Source.Type {
	case "jsonl":
		if j.Source.Path == "" {
			return &domain.ConfigError{Field: "source.path", Detail: "jsonl source needs a path"}
		}
	case "inline", "":
	default:
		return &domain.ConfigError{Field: "source.type", Detail: "unknown source type " + j.Source.Type}
	}
	if len(j.Entities) == 0 && len(j.Relations) == 0 && !j.Extraction.Enabled {
		return &domain.ConfigError{Field: "entities", Detail: "job maps nothing: no entities, relations, or extraction"}
	}

	for i, m := range j.Entities {
		if !domain.KnownEntityType(m.Type) {
			return &domain.ConfigError{Field: fmt.Sprintf("entities[%d].type", i), Detail: "unknown entity type " + string(m.Type)}
		}
		if !hasTarget(m.Fields, "id") || !hasTarget(m.Fields, "name") {
			return &domain.ConfigError{Field: fmt.Sprintf("entities[%d].fields", i), Detail: "id and name mappings are required"}
		}
		if err := validateTransforms(m.Fields); err != nil {
			return &domain.ConfigError{Field: fmt.Sprintf("entities[%d].fields", i), Detail: err.Error()}
		}
	}
	for i, m := range j.Relations {
		if !domain.KnownRelationType(m.Type) {
			return &domain.ConfigError{Field: fmt.Sprintf("relations[%d].type", i), Detail: "unknown relation type " + string(m.Type)}
		}
		if m.SourceIDField == "" || m.TargetIDField == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("relations[%d]", i), Detail: "source_id_field and target_id_field are required"}
		}
		if err := validateTransforms(m.Fields); err != nil {
			return &domain.ConfigError{Field: fmt.Sprintf("relations[%d].fields", i), Detail: err.Error()}
		}
	}
	if j.Extraction.Enabled && j.Extraction.TextField == "" {
		return &domain.ConfigError{Field: "extraction.text_field", Detail: "extraction needs a text field"}
	}

	if j.BatchSize <= 0 {
		j.BatchSize = DefaultBatchSize
	}
	if j.BatchSize > MaxBatchSize {
		return &domain.ConfigError{Field: "batch_size", Detail: fmt.Sprintf("batch_size %d exceeds max %d", j.BatchSize, MaxBatchSize)}
	}
	if j.Workers <= 0 {
		j.Workers = DefaultWorkers()
	}
	if j.Workers > MaxWorkers {
		j.Workers = MaxWorkers
	}
	return nil
}

// Timeout returns the job deadline, zero when unset.
func (j JobConfig) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// DefaultWorkers sizes the write pool to the host: twice the cores, capped.
func DefaultWorkers() int {
	w := 2 * runtime.NumCPU()
	if w > MaxWorkers {
		w = MaxWorkers
	}
	if w < 1 {
		w = 1
	}
	return w
}

func hasTarget(fields []FieldMapping, target string) bool {
	for _, f := range fields {
		if f.TargetProperty == target {
			return true
		}
	}
	return false
}

func validateTransforms(fields []FieldMapping) error {
	for _, f := range fields {
		if f.SourceField == "" {
			return fmt.Errorf("field mapping for %q has no source_field", f.TargetProperty)
		}
		if f.TargetProperty == "" {
			return fmt.Errorf("field mapping for %q has no target_property", f.SourceField)
		}
		if !knownTransform(f.Transform) {
			return fmt.Errorf("unknown transform %q", f.Transform)
		}
	}
	return nil
}
