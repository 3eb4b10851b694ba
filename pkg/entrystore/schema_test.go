package entrystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyPatterns(t *testing.T) {
	assert.Equal(t, "drey:prod:entry:e-1", EntryKey("prod", "e-1"))
	assert.Equal(t, "drey:prod:analysis:a-1:entries", AnalysisEntriesKey("prod", "a-1"))
	assert.Equal(t, "drey:prod:analysis:a-1:events", AnalysisEventsChannel("prod", "a-1"))
}

func TestKeyIsolationAcrossInstances(t *testing.T) {
	assert.NotEqual(t, EntryKey("a", "e-1"), EntryKey("b", "e-1"))
	assert.NotEqual(t, AnalysisEventsChannel("a", "x"), AnalysisEventsChannel("b", "x"))
}
