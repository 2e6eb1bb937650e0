package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocumentStateTransitions(t *testing.T) {
	cases := []struct {
		from, to DocumentState
		ok       bool
	}{
		{DocUploaded, DocIngesting, true},
		{DocUploaded, DocReady, false},
		{DocUploaded, DocDeleted, false},
		{DocIngesting, DocReady, true},
		{DocIngesting, DocFailed, true},
		{DocIngesting, DocDeleted, false},
		{DocReady, DocIngesting, true},
		{DocReady, DocDeleted, true},
		{DocFailed, DocIngesting, true},
		{DocFailed, DocDeleted, true},
		{DocDeleted, DocIngesting, false},
		{DocReady, DocUploaded, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestRetrievalModeValid(t *testing.T) {
	assert.True(t, ModeBasic.Valid())
	assert.True(t, ModeAdvanced.Valid())
	assert.True(t, ModeCustomized.Valid())
	assert.False(t, RetrievalMode("").Valid())
	assert.False(t, RetrievalMode("turbo").Valid())
}

func TestChunkMetadataRoundTrip(t *testing.T) {
	m := ChunkMetadata{
		Page:            3,
		Section:         "Returns",
		ChunkingVersion: "advanced/v1",
		TotalChunks:     12,
		Extra:           map[string]string{"invoice": "INV-991"},
	}
	got := UnmarshalChunkMetadata(m.Marshal())
	assert.Equal(t, m, got)

	assert.Equal(t, ChunkMetadata{}, UnmarshalChunkMetadata(""))
	assert.Equal(t, ChunkMetadata{}, UnmarshalChunkMetadata("not json"))
}
