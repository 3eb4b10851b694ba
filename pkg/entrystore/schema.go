package entrystore

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to enable
// multiple Drey instances to safely coexist on a single Redis server.
//
// Key pattern: drey:{instance_name}:{entity}:{id}
// Channel pattern: drey:{instance_name}:analysis:{analysis_id}:events

// EntryKey returns the Redis key for an analysis entry.
// Pattern: drey:{instance_name}:entry:{entry_id}
func EntryKey(instanceName, entryID string) string {
	return fmt.Sprintf("drey:%s:entry:%s", instanceName, entryID)
}

// AnalysisEntriesKey returns the Redis key for the per-analysis entry index.
// The index is a SET of entry IDs, maintained alongside entry writes so the
// entries of one analysis can be listed without scanning.
// Pattern: drey:{instance_name}:analysis:{analysis_id}:entries
func AnalysisEntriesKey(instanceName, analysisID string) string {
	return fmt.Sprintf("drey:%s:analysis:%s:entries", instanceName, analysisID)
}

// AnalysisEventsChannel returns the Pub/Sub channel name for an analysis.
// Every realtime event (presence, entry changes, conflicts) for one analysis
// flows through this single channel, which is what scopes events to one room.
// Pattern: drey:{instance_name}:analysis:{analysis_id}:events
func AnalysisEventsChannel(instanceName, analysisID string) string {
	return fmt.Sprintf("drey:%s:analysis:%s:events", instanceName, analysisID)
}
