package checkpoint

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument() *Document {
	doc := NewDocument()
	doc.LockedSlots["a3"] = LockRecord{LockedAt: 1770000000.5, LockedBy: "operator", Reason: "golden"}
	doc.MarshalTokens["tok-value"] = TokenRecord{
		StagingID:    "stg-abc123def456",
		CreatedAt:    1770000000,
		TTL:          3600,
		RemainingTTL: 1800,
		Submitter:    "alice",
	}
	doc.PromotedSnippets = append(doc.PromotedSnippets, PromotedSnippet{
		StagingID:    "stg-abc123def456",
		Language:     "python",
		EngineLetter: "a",
		Code:         "x = 1",
		Address:      "a3",
		Position:     3,
		EngineName:   "python",
		SpecSuccess:  true,
		Locked:       true,
	})
	return doc
}

func TestWriteAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "checkpoint.json")

	require.NoError(t, Write(path, sampleDocument()))

	doc, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, SchemaVersion, doc.Version)
	assert.Equal(t, "operator", doc.LockedSlots["a3"].LockedBy)
	assert.Equal(t, 1800.0, doc.MarshalTokens["tok-value"].RemainingTTL)
	require.Len(t, doc.PromotedSnippets, 1)
	assert.Equal(t, "a3", doc.PromotedSnippets[0].Address)
	assert.True(t, doc.PromotedSnippets[0].Locked)

	// no temp file left behind
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingFile(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.NoError(t, err)
	assert.Nil(t, doc)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestWriteOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, Write(path, sampleDocument()))

	doc2 := NewDocument()
	doc2.LockedSlots["b1"] = LockRecord{LockedBy: "second"}
	require.NoError(t, Write(path, doc2))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, got.LockedSlots, 1)
	assert.Equal(t, "second", got.LockedSlots["b1"].LockedBy)
}

func TestWriterDebounceCoalesces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	var collects int32
	w := NewWriter(path, 30*time.Millisecond, func() *Document {
		atomic.AddInt32(&collects, 1)
		return NewDocument()
	})

	// a burst of mutations inside the window produces one write
	for i := 0; i < 10; i++ {
		w.Schedule()
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&collects))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestWriterStopCancelsPendingWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	w := NewWriter(path, 30*time.Millisecond, NewDocument)

	w.Schedule()
	w.Stop()
	time.Sleep(80 * time.Millisecond)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteNowIsSynchronous(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	w := NewWriter(path, time.Hour, NewDocument)

	require.NoError(t, w.WriteNow())
	doc, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, SchemaVersion, doc.Version)
	assert.Equal(t, path, w.Path())
}
