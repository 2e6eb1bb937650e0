package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString(t *testing.T) {
	// Known SHA-256 vector.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashString(""))
	assert.Equal(t, HashString("chunk text"), HashBytes([]byte("chunk text")))
	assert.NotEqual(t, HashString("a"), HashString("b"))
	assert.Len(t, HashString("anything"), 64)
}
