package entrystore

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). The free-form fields map
// is JSON-encoded into a single hash field. This provides a balance between
// queryability (individual scalar fields) and flexibility (arbitrary payloads).

// EntryToHash converts an Entry struct to a Redis hash format.
// The fields map is JSON-encoded.
func EntryToHash(e *Entry) (map[string]interface{}, error) {
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry fields: %w", err)
	}

	hash := map[string]interface{}{
		"id":                  e.ID,
		"analysis_id":         e.AnalysisID,
		"version":             e.Version,
		"fields":              string(fieldsJSON),
		"created_by":          e.CreatedBy,
		"created_at_ms":       e.CreatedAtMs,
		"last_modified_by":    e.LastModifiedBy,
		"last_modified_at_ms": e.LastModifiedAtMs,
	}

	return hash, nil
}

// HashToEntry converts a Redis hash to an Entry struct.
// JSON fields are decoded back to Go types.
func HashToEntry(hash map[string]string) (*Entry, error) {
	version, err := strconv.Atoi(hash["version"])
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}

	var fields map[string]any
	if fieldsJSON := hash["fields"]; fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry fields: %w", err)
		}
	}

	// Ensure an empty map instead of nil for consistency
	if fields == nil {
		fields = map[string]any{}
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	lastModifiedAtMs, _ := strconv.ParseInt(hash["last_modified_at_ms"], 10, 64)

	entry := &Entry{
		ID:               hash["id"],
		AnalysisID:       hash["analysis_id"],
		Version:          version,
		Fields:           fields,
		CreatedBy:        hash["created_by"],
		CreatedAtMs:      createdAtMs,
		LastModifiedBy:   hash["last_modified_by"],
		LastModifiedAtMs: lastModifiedAtMs,
	}

	return entry, nil
}
