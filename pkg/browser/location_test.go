package browser

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	m, err := NewMemory("https://tax.example.edu/app?token=abc&sso=true")
	require.NoError(t, err)

	u := m.URL()
	u.RawQuery = ""
	assert.Equal(t, "token=abc&sso=true", m.URL().RawQuery, "URL returns a copy")

	m.Replace(&url.URL{Scheme: "https", Host: "tax.example.edu", Path: "/app"})
	assert.Equal(t, "https://tax.example.edu/app", m.URL().String())
	assert.Equal(t, []string{"https://tax.example.edu/app?token=abc&sso=true"}, m.Replaced())
	assert.Empty(t, m.Navigated())

	require.NoError(t, m.Assign("https://shell.example.edu"))
	assert.Equal(t, "https://shell.example.edu", m.Navigated())
	assert.Equal(t, "shell.example.edu", m.URL().Host)

	assert.Error(t, m.Assign("http://bad host/"))
}

func TestNewMemory_Invalid(t *testing.T) {
	_, err := NewMemory("://nope")
	assert.Error(t, err)
}
