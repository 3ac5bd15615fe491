package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pagewise/internal/util"
)

func TestNewSelectsMode(t *testing.T) {
	r, err := New("", "")
	require.NoError(t, err)
	require.IsType(t, Header{}, r)

	_, err = New("jwt", "")
	require.ErrorIs(t, err, util.ErrValidation)

	r, err = New("JWT", "s3cret")
	require.NoError(t, err)
	require.IsType(t, &JWT{}, r)

	_, err = New("oauth", "")
	require.ErrorIs(t, err, util.ErrValidation)
}

func TestHeaderResolver(t *testing.T) {
	req := httptest.NewRequest("GET", "/documents", nil)
	_, err := Header{}.Resolve(req)
	require.ErrorIs(t, err, util.ErrUnauthorized)

	req.Header.Set(UserHeader, " u1 ")
	id, err := Header{}.Resolve(req)
	require.NoError(t, err)
	require.Equal(t, "u1", id)

	require.NoError(t, Header{}.Verify("u1", ""))
	require.ErrorIs(t, Header{}.Verify("", ""), util.ErrUnauthorized)
}

func TestJWTRoundTrip(t *testing.T) {
	j := NewJWT("s3cret")
	tok, err := j.Issue("u1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	id, err := j.Resolve(req)
	require.NoError(t, err)
	require.Equal(t, "u1", id)

	require.NoError(t, j.Verify("u1", tok))
	require.ErrorIs(t, j.Verify("u2", tok), util.ErrUnauthorized)
}

func TestJWTRejectsBadTokens(t *testing.T) {
	j := NewJWT("s3cret")

	other, err := NewJWT("other").Issue("u1", time.Hour)
	require.NoError(t, err)
	require.ErrorIs(t, j.Verify("u1", other), util.ErrUnauthorized)

	j.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := j.Issue("u1", time.Hour)
	require.NoError(t, err)
	j.now = time.Now
	require.ErrorIs(t, j.Verify("u1", expired), util.ErrUnauthorized)

	req := httptest.NewRequest("GET", "/documents", nil)
	req.Header.Set("Authorization", "Basic abc")
	_, err = j.Resolve(req)
	require.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestUserContext(t *testing.T) {
	_, ok := UserID(context.Background())
	require.False(t, ok)
	id, ok := UserID(WithUser(context.Background(), "u1"))
	require.True(t, ok)
	require.Equal(t, "u1", id)
}
