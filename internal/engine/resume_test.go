package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentRange_Valid(t *testing.T) {
	cr, err := parseContentRange("bytes 100-199/1000")
	require.NoError(t, err)
	assert.Equal(t, int64(100), cr.Start)
	assert.Equal(t, int64(199), cr.End)
	assert.Equal(t, int64(1000), cr.Total)
}

func TestParseContentRange_UnknownTotal(t *testing.T) {
	cr, err := parseContentRange("bytes 100-199/*")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cr.Total)
}

func TestParseContentRange_Malformed(t *testing.T) {
	_, err := parseContentRange("not-a-range")
	assert.Error(t, err)
}

func TestEtagsMatch_StrongRequiresExactEquality(t *testing.T) {
	assert.True(t, etagsMatch(`"abc"`, `"abc"`, false))
	assert.False(t, etagsMatch(`"abc"`, `W/"abc"`, false))
}

func TestEtagsMatch_WeakAllowsPrefixStrip(t *testing.T) {
	assert.True(t, etagsMatch(`W/"abc"`, `W/"abc"`, true))
	assert.False(t, etagsMatch(`"abc"`, `"def"`, true))
}

func TestEtagsMatch_EmptyNeverMatches(t *testing.T) {
	assert.False(t, etagsMatch("", "", true))
}

func TestAcceptsRanges(t *testing.T) {
	assert.True(t, acceptsRanges("bytes"))
	assert.True(t, acceptsRanges(" Bytes "))
	assert.False(t, acceptsRanges("none"))
	assert.False(t, acceptsRanges(""))
}
