package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// stagingNamespace seeds deterministic staging record ids.
var stagingNamespace = uuid.MustParse("5b3c1f5e-8a57-4c1e-9d0a-6f2b7e4c9a11")

// StagingRecord is a raw per-source fact set exactly as captured by an
// adapter. Records are append-only and never mutated.
type StagingRecord struct {
	ID           string         `json:"id"`
	Source       Source         `json:"source"`
	ExtractionID string         `json:"extraction_id"`
	ExternalID   string         `json:"external_id,omitempty"`
	RawPayload   map[string]any `json:"raw_payload"`
	ContentHash  string         `json:"content_hash"`
	ReceivedAt   time.Time      `json:"received_at"`
}

// NewStagingRecord builds a staging record, computing its content hash and a
// deterministic id so that re-appending the same payload is a no-op.
func NewStagingRecord(src Source, extractionID string, payload map[string]any, receivedAt time.Time) (StagingRecord, error) {
	hash, err := HashPayload(payload)
	if err != nil {
		return StagingRecord{}, err
	}
	id := uuid.NewSHA1(stagingNamespace, []byte(string(src)+"|"+extractionID+"|"+hash))
	return StagingRecord{
		ID:           id.String(),
		Source:       src,
		ExtractionID: extractionID,
		ExternalID:   externalID(payload),
		RawPayload:   payload,
		ContentHash:  hash,
		ReceivedAt:   receivedAt.UTC(),
	}, nil
}

// HashPayload returns the hex SHA-256 of the payload's JSON encoding. Map
// keys are sorted by encoding/json, so equal payloads hash equally.
func HashPayload(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "model: hash payload")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func externalID(payload map[string]any) string {
	for _, k := range []string{"external_id", "id", "player_id"} {
		if v, ok := payload[k]; ok && v != nil {
			s := fmt.Sprint(v)
			if s != "" {
				return s
			}
		}
	}
	return ""
}

// QuarantinedRecord is a staging record excluded from the canonical merge,
// kept for audit.
type QuarantinedRecord struct {
	StagingID    string    `json:"staging_id"`
	RunID        string    `json:"run_id"`
	ExtractionID string    `json:"extraction_id"`
	Source       Source    `json:"source"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}
