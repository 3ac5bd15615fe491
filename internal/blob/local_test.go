package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pagewise/internal/util"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	key := Key("alice@example.com", "doc-1")
	require.NoError(t, s.Put(ctx, key, []byte("%PDF-1.4")))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("%PDF-1.4"), got)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	require.ErrorIs(t, err, util.ErrNotFound)
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	err = s.Put(context.Background(), "../../etc/passwd", []byte("x"))
	require.ErrorIs(t, err, util.ErrValidation)
}

func TestKeyHidesUserID(t *testing.T) {
	k := Key("../../bob", "d")
	require.NotContains(t, k, "bob")
	require.Equal(t, k, Key("../../bob", "d"))
}
