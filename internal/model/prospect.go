package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// ProspectNamespace seeds the deterministic prospect ids derived from an
// identity key.
var ProspectNamespace = uuid.MustParse("9e2d8c4a-1f7b-4d3e-a6c5-0b8f2e1d7c43")

// ProspectStatus is the lifecycle state of a canonical prospect. Prospects
// are never deleted, only marked withdrawn or inactive.
type ProspectStatus string

const (
	ProspectActive    ProspectStatus = "active"
	ProspectWithdrawn ProspectStatus = "withdrawn"
	ProspectInactive  ProspectStatus = "inactive"
)

// ParseProspectStatus validates a status string.
func ParseProspectStatus(s string) (ProspectStatus, error) {
	switch st := ProspectStatus(strings.ToLower(s)); st {
	case ProspectActive, ProspectWithdrawn, ProspectInactive:
		return st, nil
	default:
		return "", eris.Errorf("model: unknown prospect status %q", s)
	}
}

// CanonicalProspect is the single deduplicated record for one real-world
// prospect. NormFirst, NormLast, Position and College form the identity key.
type CanonicalProspect struct {
	ID          string            `json:"id"`
	FirstName   string            `json:"first_name"`
	LastName    string            `json:"last_name"`
	NormFirst   string            `json:"norm_first"`
	NormLast    string            `json:"norm_last"`
	Position    string            `json:"position"`
	College     string            `json:"college"`
	ExternalIDs map[Source]string `json:"external_ids,omitempty"`
	Status      ProspectStatus    `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// IdentityKey joins the normalized identity attributes.
func IdentityKey(first, last, position, college string) string {
	return first + "|" + last + "|" + position + "|" + college
}

// ProspectID returns the deterministic id for an identity key.
func ProspectID(key string) string {
	return uuid.NewSHA1(ProspectNamespace, []byte(key)).String()
}

// Key returns the prospect's identity key.
func (p CanonicalProspect) Key() string {
	return IdentityKey(p.NormFirst, p.NormLast, p.Position, p.College)
}

// Coverage is the number of sources with a known external id.
func (p CanonicalProspect) Coverage() int { return len(p.ExternalIDs) }

// CanonicalField is the current resolved value of one field of a prospect.
type CanonicalField struct {
	EntityID      string    `json:"entity_id"`
	FieldName     string    `json:"field_name"`
	Value         Value     `json:"value"`
	WinningSource Source    `json:"winning_source"`
	Confidence    float64   `json:"confidence"`
	RuleID        string    `json:"rule_id"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// SourceObservation is the latest value a source reported for a field of a
// prospect, independent of which source won resolution.
type SourceObservation struct {
	EntityID     string    `json:"entity_id"`
	Source       Source    `json:"source"`
	FieldName    string    `json:"field_name"`
	Value        Value     `json:"value"`
	ExtractionID string    `json:"extraction_id"`
	ObservedAt   time.Time `json:"observed_at"`
}

// CanonicalSnapshot is a consistent read of the canonical namespace.
type CanonicalSnapshot struct {
	Prospects    []CanonicalProspect `json:"prospects"`
	Fields       []CanonicalField    `json:"fields"`
	Observations []SourceObservation `json:"observations"`
}

// FieldsByEntity indexes current fields by entity id then field name.
func (s *CanonicalSnapshot) FieldsByEntity() map[string]map[string]CanonicalField {
	out := make(map[string]map[string]CanonicalField, len(s.Prospects))
	for _, f := range s.Fields {
		m, ok := out[f.EntityID]
		if !ok {
			m = make(map[string]CanonicalField)
			out[f.EntityID] = m
		}
		m[f.FieldName] = f
	}
	return out
}
