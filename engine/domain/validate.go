package domain

import "fmt"

// ValidateEntity checks an entity against the node contract. It returns a
// *ValidationError describing the first failed check, or nil.
func ValidateEntity(e Entity) error {
	if e.ID == "" {
		return NewValidationError("id", "", ErrEmptyID)
	}
	if !KnownEntityType(e.Type) {
		return NewValidationError("type", string(e.Type), ErrUnknownEntityType)
	}
	if e.Name == "" {
		return NewValidationError("name", "", ErrEmptyName)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return NewValidationError("confidence", fmt.Sprintf("%g", e.Confidence), ErrConfidenceRange)
	}
	return nil
}

// ValidateRelation checks a relation against the edge contract: endpoints
// named, known type, confidence in [0,1], and valid_from <= valid_to whenever
// valid_to is set. Endpoint existence in the store is enforced at write time
// by the graph adapter, not here.
func ValidateRelation(r Relation) error {
	if r.SourceID == "" {
		return NewValidationError("source_id", "", ErrMissingEndpoint)
	}
	if r.TargetID == "" {
		return NewValidationError("target_id", "", ErrMissingEndpoint)
	}
	if !KnownRelationType(r.Type) {
		return NewValidationError("type", string(r.Type), ErrUnknownRelationType)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return NewValidationError("confidence", fmt.Sprintf("%g", r.Confidence), ErrConfidenceRange)
	}
	if r.ValidTo != nil && !r.ValidFrom.IsZero() && r.ValidFrom.After(*r.ValidTo) {
		return NewValidationError("valid_from", r.ValidFrom.String(), ErrValidityInverted)
	}
	if r.Provenance.Source == "" {
		return NewValidationError("provenance.source", "", ErrMissingProvenance)
	}
	return nil
}
