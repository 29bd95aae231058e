package securemem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	s := NewString("oauth-secret")
	defer s.Destroy()

	assert.Equal(t, "oauth-secret", s.String())
	assert.Equal(t, len("oauth-secret"), s.Len())
	assert.True(t, s.Equal("oauth-secret"))
	assert.False(t, s.Equal("other"))
	assert.False(t, s.IsEmpty())
}

func TestDestroyedString(t *testing.T) {
	s := NewString("gone")
	s.Destroy()
	s.Destroy()

	assert.Equal(t, "", s.String())
	assert.True(t, s.IsEmpty())
	assert.True(t, s.Equal(""))
}

func TestNilAndEmpty(t *testing.T) {
	var s *String
	assert.Equal(t, "", s.String())
	assert.True(t, s.IsEmpty())
	s.Destroy()

	empty := NewString("")
	assert.True(t, empty.IsEmpty())
	assert.True(t, empty.Equal(""))
}

func TestCredentials(t *testing.T) {
	c := NewCredentials("key", "secret")
	assert.True(t, c.Complete())

	c.Destroy()
	assert.False(t, c.Complete())

	assert.False(t, NewCredentials("key", "").Complete())
	var none *Credentials
	assert.False(t, none.Complete())
	none.Destroy()
}
