package etl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kgraphio/kgraph/engine/domain"
)

// Rejection reasons. Every rejected record carries exactly one.
const (
	ReasonMissingField = "missing_field"
	ReasonBadValue     = "bad_value"
	ReasonValidation   = "validation_failed"
	ReasonStoreWrite   = "store_write_failed"
	ReasonNotAttempted = "not_attempted"
	ReasonUnparsable   = "unparsable_record"
)

// Rejection is one record the job could not ingest, and why.
type Rejection struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// RawRecord is one unit pulled from a source.
type RawRecord struct {
	ID     string
	Fields map[string]any
}

// knownTransform reports whether name is a recognised transform.
func knownTransform(name string) bool {
	switch name {
	case "", "identity", "lowercase", "uppercase", "parse_timestamp", "parse_json", "string", "tags":
		return true
	}
	return false
}

// applyTransform converts one raw value. Pure; a bad value returns an error,
// never panics.
func applyTransform(value any, transform string) (any, error) {
	switch transform {
	case "", "identity":
		return value, nil
	case "string":
		return toString(value), nil
	case "lowercase":
		return strings.ToLower(toString(value)), nil
	case "uppercase":
		return strings.ToUpper(toString(value)), nil
	case "parse_timestamp":
		s := toString(value)
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("parse_timestamp: %q is not RFC3339", s)
		}
		return t, nil
	case "parse_json":
		var out any
		if err := json.Unmarshal([]byte(toString(value)), &out); err != nil {
			return nil, fmt.Errorf("parse_json: %w", err)
		}
		return out, nil
	case "tags":
		return splitTags(value), nil
	}
	return nil, fmt.Errorf("unknown transform %q", transform)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func splitTags(v any) []string {
	switch t := v.(type) {
	case []string:
		return domain.NormalizeTags(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, toString(item))
		}
		return domain.NormalizeTags(out)
	default:
		return domain.NormalizeTags(strings.Split(toString(v), ","))
	}
}

// mapFields resolves every field mapping against a record. Missing required
// fields and failed transforms reject the record.
func mapFields(rec RawRecord, fields []FieldMapping) (map[string]any, *Rejection) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		raw, ok := rec.Fields[f.SourceField]
		if !ok || raw == nil || raw == "" {
			if f.Default != nil {
				out[f.TargetProperty] = f.Default
				continue
			}
			if f.Required || f.TargetProperty == "id" || f.TargetProperty == "name" {
				return nil, &Rejection{RecordID: rec.ID, Reason: ReasonMissingField, Detail: f.SourceField}
			}
			continue
		}
		val, err := applyTransform(raw, f.Transform)
		if err != nil {
			return nil, &Rejection{RecordID: rec.ID, Reason: ReasonBadValue, Detail: err.Error()}
		}
		out[f.TargetProperty] = val
	}
	return out, nil
}

// TransformEntity builds a validated entity from one record. The returned
// rejection, when non-nil, is the record's terminal status.
func TransformEntity(rec RawRecord, m EntityMapping, prov domain.Provenance, now time.Time) (domain.Entity, *Rejection) {
	props, rej := mapFields(rec, m.Fields)
	if rej != nil {
		return domain.Entity{}, rej
	}

	e := domain.Entity{
		Type:       m.Type,
		Provenance: prov,
		ObservedAt: now,
		Confidence: 1.0, // mapped records are authoritative
	}
	for k, v := range props {
		switch k {
		case "id":
			e.ID = toString(v)
		case "name":
			e.Name = toString(v)
		case "description":
			e.Description = toString(v)
		case "status":
			e.Status = toString(v)
		case "criticality":
			e.Criticality = toString(v)
		case "tags":
			if tags, ok := v.([]string); ok {
				e.Tags = tags
			} else {
				e.Tags = splitTags(v)
			}
		case "confidence":
			if f, ok := toFloat(v); ok {
				e.Confidence = f
			}
		case "last_verified":
			if t, ok := v.(time.Time); ok {
				e.LastVerified = t
			}
		default:
			if e.Attrs == nil {
				e.Attrs = make(map[string]any)
			}
			e.Attrs[k] = v
		}
	}

	if err := domain.ValidateEntity(e); err != nil {
		return domain.Entity{}, &Rejection{RecordID: rec.ID, Reason: ReasonValidation, Detail: err.Error()}
	}
	return e, nil
}

// TransformRelation builds a validated relation from one record.
func TransformRelation(rec RawRecord, m RelationMapping, prov domain.Provenance, now time.Time) (domain.Relation, *Rejection) {
	src, ok := rec.Fields[m.SourceIDField]
	if !ok || toString(src) == "" {
		return domain.Relation{}, &Rejection{RecordID: rec.ID, Reason: ReasonMissingField, Detail: m.SourceIDField}
	}
	tgt, ok := rec.Fields[m.TargetIDField]
	if !ok || toString(tgt) == "" {
		return domain.Relation{}, &Rejection{RecordID: rec.ID, Reason: ReasonMissingField, Detail: m.TargetIDField}
	}

	props, rej := mapFields(rec, m.Fields)
	if rej != nil {
		return domain.Relation{}, rej
	}

	r := domain.Relation{
		Type:       m.Type,
		SourceID:   toString(src),
		TargetID:   toString(tgt),
		Provenance: prov,
		ObservedAt: now,
		Confidence: 1.0,
	}
	for k, v := range props {
		switch k {
		case "confidence":
			if f, ok := toFloat(v); ok {
				r.Confidence = f
			}
		case "valid_from":
			if t, ok := v.(time.Time); ok {
				r.ValidFrom = t
			}
		case "valid_to":
			if t, ok := v.(time.Time); ok {
				r.ValidTo = &t
			}
		}
	}

	if err := domain.ValidateRelation(r); err != nil {
		return domain.Relation{}, &Rejection{RecordID: rec.ID, Reason: ReasonValidation, Detail: err.Error()}
	}
	return r, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
