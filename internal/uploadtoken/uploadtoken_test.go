package uploadtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify(t *testing.T) {
	iss := NewIssuer("s3cret", 15*time.Minute)
	tok, exp, err := iss.Issue("augusta/tiles/1/0/0.png", "image/png", "admin-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), exp, 2*time.Second)

	g, err := iss.Verify(tok, "augusta/tiles/1/0/0.png")
	require.NoError(t, err)
	assert.Equal(t, "augusta/tiles/1/0/0.png", g.Key)
	assert.Equal(t, "image/png", g.ContentType)
	assert.Equal(t, "admin-1", g.Subject)
}

func TestVerify_Rejects(t *testing.T) {
	iss := NewIssuer("s3cret", time.Minute)
	tok, _, err := iss.Issue("a/tiles/1/0/0.png", "", "admin-1")
	require.NoError(t, err)

	t.Run("other key", func(t *testing.T) {
		_, err := iss.Verify(tok, "a/tiles/1/0/1.png")
		assert.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("other secret", func(t *testing.T) {
		_, err := NewIssuer("different", time.Minute).Verify(tok, "a/tiles/1/0/0.png")
		assert.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := iss.Verify("not.a.token", "a/tiles/1/0/0.png")
		assert.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("expired", func(t *testing.T) {
		late := NewIssuer("s3cret", time.Minute)
		late.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err := late.Verify(tok, "a/tiles/1/0/0.png")
		assert.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("empty key", func(t *testing.T) {
		_, _, err := iss.Issue("", "", "admin-1")
		assert.ErrorIs(t, err, ErrInvalid)
	})
}
