package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidEmail(t *testing.T) {
	valid := []string{"ana@example.edu", "a.b+c@sub.example.co.nz", "x@y.z"}
	invalid := []string{"", "ana", "ana@", "ana@example", "ana @example.edu", "@example.edu", "ana@@example.edu"}

	for _, e := range valid {
		assert.True(t, ValidEmail(e), e)
	}
	for _, e := range invalid {
		assert.False(t, ValidEmail(e), e)
	}
}

func TestValidateCredentials(t *testing.T) {
	assert.NoError(t, ValidateCredentials(" ana@example.edu ", "x"))
	assert.ErrorIs(t, ValidateCredentials("ana", "secret"), ErrInvalidCredentials)
	assert.ErrorIs(t, ValidateCredentials("ana@example.edu", ""), ErrInvalidCredentials)
}

func TestValidateNewAccount(t *testing.T) {
	tests := []struct {
		name   string
		email  string
		secret string
		want   error
	}{
		{name: "valid", email: "ana@example.edu", secret: "123456"},
		{name: "short secret", email: "ana@example.edu", secret: "12345", want: ErrWeakSecret},
		{name: "multibyte secret counts runes", email: "ana@example.edu", secret: "ééééé", want: ErrWeakSecret},
		{name: "bad email wins", email: "ana", secret: "1", want: ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNewAccount(tt.email, tt.secret)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
