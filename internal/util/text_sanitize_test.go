package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeTextRemovesNulAndControls(t *testing.T) {
	in := "ab\x00cd\x01\x02\n\txy\x7f"
	require.Equal(t, "abcd\n\txy", SanitizeText(in))
}

func TestSanitizeTextJoinsWordsSplitByInvisibleRunes(t *testing.T) {
	in := "\uFEFFretr\u00ADieval aug\u200Bmented gen\uFFFDeration"
	require.Equal(t, "retrieval augmented generation", SanitizeText(in))
}

func TestSanitizeTextDropsInvalidUTF8(t *testing.T) {
	require.Equal(t, "chunk text", SanitizeText("chunk \xff\xfetext"))
}

func TestChunkTextSeesSanitizedText(t *testing.T) {
	chunks := ChunkText("trans\u00ADformer\x00 attention", 100, 0)
	require.NotEmpty(t, chunks)
	require.Contains(t, chunks[0], "transformer attention")
}
