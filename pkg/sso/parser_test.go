package sso

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcombuddy/sessionbridge/pkg/identity"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testParser(opts ...Option) *Parser {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewParser(opts...)
}

func claims(overrides map[string]interface{}) map[string]interface{} {
	c := map[string]interface{}{
		"id":          "stu-42",
		"email":       "ana@example.edu",
		"displayName": "Ana Student",
		"role":        "student",
		"isAdmin":     false,
		"yearOfStudy": "2",
		"hostDomain":  "portal.example.edu",
		"exp":         testNow.Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		if v == nil {
			delete(c, k)
			continue
		}
		c[k] = v
	}
	return c
}

func encodeStd(t *testing.T, c map[string]interface{}) string {
	t.Helper()
	b, err := json.Marshal(c)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(b)
}

func pageURL(token, flag string) *url.URL {
	q := url.Values{}
	q.Set("lesson", "gst-1")
	if token != "" {
		q.Set(ParamToken, token)
	}
	if flag != "" {
		q.Set(ParamSSO, flag)
	}
	q.Set(ParamShell, "https://shell.example.edu")
	return &url.URL{Scheme: "https", Host: "tax.example.edu", Path: "/app", RawQuery: q.Encode(), Fragment: "intro"}
}

func TestParser_Parse(t *testing.T) {
	rawJSON, _ := json.Marshal(claims(nil))

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		flag    string
		wantErr error
	}{
		{
			name:  "standard base64",
			token: func(t *testing.T) string { return encodeStd(t, claims(nil)) },
			flag:  "true",
		},
		{
			name: "url-safe base64 without padding",
			token: func(t *testing.T) string {
				return base64.RawURLEncoding.EncodeToString(rawJSON)
			},
			flag: "1",
		},
		{
			name:  "raw json",
			token: func(t *testing.T) string { return string(rawJSON) },
			flag:  "YES",
		},
		{
			name: "extra level of percent-encoding",
			token: func(t *testing.T) string {
				return url.QueryEscape(encodeStd(t, claims(nil)))
			},
			flag: "true",
		},
		{
			name: "percent-encoded json inside base64",
			token: func(t *testing.T) string {
				return base64.StdEncoding.EncodeToString([]byte(url.QueryEscape(string(rawJSON))))
			},
			flag: "true",
		},
		{
			name: "unsigned jwt payload",
			token: func(t *testing.T) string {
				header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
				return header + "." + base64.RawURLEncoding.EncodeToString(rawJSON) + "."
			},
			flag: "true",
		},
		{
			name:    "flag missing",
			token:   func(t *testing.T) string { return encodeStd(t, claims(nil)) },
			wantErr: errNoToken,
		},
		{
			name:    "flag false",
			token:   func(t *testing.T) string { return encodeStd(t, claims(nil)) },
			flag:    "false",
			wantErr: errNoToken,
		},
		{
			name:    "token missing",
			token:   func(t *testing.T) string { return "" },
			flag:    "true",
			wantErr: errNoToken,
		},
		{
			name:    "not base64",
			token:   func(t *testing.T) string { return "%%%not-a-token" },
			flag:    "true",
			wantErr: errMalformed,
		},
		{
			name:    "base64 of non-json",
			token:   func(t *testing.T) string { return base64.StdEncoding.EncodeToString([]byte("hello")) },
			flag:    "true",
			wantErr: errMalformed,
		},
		{
			name:    "missing id",
			token:   func(t *testing.T) string { return encodeStd(t, claims(map[string]interface{}{"id": nil})) },
			flag:    "true",
			wantErr: errMissingID,
		},
		{
			name:    "blank email",
			token:   func(t *testing.T) string { return encodeStd(t, claims(map[string]interface{}{"email": "  "})) },
			flag:    "true",
			wantErr: errMissingEmail,
		},
		{
			name:    "missing expiry",
			token:   func(t *testing.T) string { return encodeStd(t, claims(map[string]interface{}{"exp": nil})) },
			flag:    "true",
			wantErr: errMissingExpiry,
		},
		{
			name: "expiry equal to now",
			token: func(t *testing.T) string {
				return encodeStd(t, claims(map[string]interface{}{"exp": testNow.Unix()}))
			},
			flag:    "true",
			wantErr: errExpired,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return encodeStd(t, claims(map[string]interface{}{"exp": testNow.Add(-time.Minute).Unix()}))
			},
			flag:    "true",
			wantErr: errExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParser()
			u := pageURL(tt.token(t), tt.flag)

			cred, err := p.parse(u)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, p.Parse(u))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "stu-42", cred.ID)
			assert.Equal(t, "ana@example.edu", cred.Email)
			assert.Equal(t, "Ana Student", cred.DisplayName)
			assert.Equal(t, "student", cred.Role)
			assert.Equal(t, "2", cred.YearOfStudy)
			assert.Equal(t, "portal.example.edu", cred.HostDomain)
			require.NotNil(t, cred.IsAdmin)
			assert.False(t, *cred.IsAdmin)
			assert.Equal(t, testNow.Add(time.Hour).Unix(), cred.ExpiresAt.Unix())
		})
	}
}

func TestParser_ExpiryOneSecondAhead(t *testing.T) {
	p := testParser()
	token := encodeStd(t, claims(map[string]interface{}{"exp": testNow.Unix() + 1}))

	assert.NotNil(t, p.Parse(pageURL(token, "true")))
}

func TestParser_FarFutureExpiry(t *testing.T) {
	p := testParser()
	for _, exp := range []interface{}{1e19, json.Number("99999999999999999999"), int64(4102444800)} {
		token := encodeStd(t, claims(map[string]interface{}{"exp": exp}))
		cred := p.Parse(pageURL(token, "true"))
		require.NotNil(t, cred, "exp %v", exp)
		assert.True(t, cred.ExpiresAt.After(testNow))
	}

	token := encodeStd(t, claims(map[string]interface{}{"exp": -1e19}))
	assert.Nil(t, p.Parse(pageURL(token, "true")))
}

func TestParser_FieldAliases(t *testing.T) {
	p := testParser()
	token := encodeStd(t, map[string]interface{}{
		"uid":         "legacy-7",
		"email":       "ben@example.edu",
		"name":        "Ben",
		"yearOfStudy": 3,
		"expiresAt":   testNow.Add(time.Minute).Unix(),
	})

	cred := p.Parse(pageURL(token, "true"))
	require.NotNil(t, cred)
	assert.Equal(t, "legacy-7", cred.ID)
	assert.Equal(t, "Ben", cred.DisplayName)
	assert.Equal(t, "3", cred.YearOfStudy)
	assert.Nil(t, cred.IsAdmin)
}

func TestParser_RejectHook(t *testing.T) {
	var reasons []error
	p := testParser(WithRejectHook(func(reason error) { reasons = append(reasons, reason) }))

	expired := encodeStd(t, claims(map[string]interface{}{"exp": testNow.Add(-time.Hour).Unix()}))
	assert.Nil(t, p.Parse(pageURL(expired, "true")))
	assert.Nil(t, p.Parse(pageURL("", "")))

	require.Len(t, reasons, 1)
	assert.ErrorIs(t, reasons[0], errExpired)
}

func TestParser_SignedTokens(t *testing.T) {
	secret := []byte("shell-shared-secret")

	sign := func(t *testing.T, method jwt.SigningMethod, key interface{}, c map[string]interface{}) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, jwt.MapClaims(c)).SignedString(key)
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		wantErr error
	}{
		{
			name:  "valid signature",
			token: func(t *testing.T) string { return sign(t, jwt.SigningMethodHS256, secret, claims(nil)) },
		},
		{
			name: "wrong secret",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte("other"), claims(nil))
			},
			wantErr: errSignature,
		},
		{
			name:    "unexpected algorithm",
			token:   func(t *testing.T) string { return sign(t, jwt.SigningMethodHS384, secret, claims(nil)) },
			wantErr: errSignature,
		},
		{
			name:    "unsigned payload",
			token:   func(t *testing.T) string { return encodeStd(t, claims(nil)) },
			wantErr: errMalformed,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, secret, claims(map[string]interface{}{"exp": testNow.Unix()}))
			},
			wantErr: errExpired,
		},
		{
			name: "no expiry",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, secret, claims(map[string]interface{}{"exp": nil}))
			},
			wantErr: errMissingExpiry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParser(WithSecret(secret))
			require.True(t, p.Verifying())

			cred, err := p.parse(pageURL(tt.token(t), "true"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, cred)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "stu-42", cred.ID)
		})
	}
}

func TestUnescape(t *testing.T) {
	assert.Equal(t, "ab+cd==", unescape("ab%2Bcd%3D%3D"))
	assert.Equal(t, "100%", unescape(" 100% "))
}

func TestDecode_SpaceForPlus(t *testing.T) {
	raw := `{"id":"x>","email":"y@z.io","exp":1}`
	enc := base64.StdEncoding.EncodeToString([]byte(raw))
	require.Contains(t, enc, "+")

	body, err := decode(strings.ReplaceAll(enc, "+", " "))
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(body))
}

func TestCredential_Identity(t *testing.T) {
	admin := true
	cred := &Credential{
		ID:           "stu-1",
		Email:        "a@example.edu",
		DisplayName:  "A",
		IsAdmin:      &admin,
		OriginDomain: "origin.example.edu",
	}

	id := cred.Identity()
	require.NoError(t, id.Validate())
	assert.Equal(t, identity.MethodSSO, id.Method)
	assert.Equal(t, "origin.example.edu", id.OriginDomain)

	admin = false
	require.NotNil(t, id.IsAdmin)
	assert.True(t, *id.IsAdmin)
}

func TestURLHelpers(t *testing.T) {
	u := pageURL("abc", "true")
	original := u.String()

	assert.True(t, Present(u))
	assert.False(t, Present(pageURL("abc", "")))
	assert.False(t, Present(nil))
	assert.Equal(t, "https://shell.example.edu", ShellHint(u))
	assert.Empty(t, ShellHint(nil))

	stripped := StripParams(u)
	assert.Equal(t, "https://tax.example.edu/app?lesson=gst-1#intro", stripped.String())
	assert.Equal(t, original, u.String())
	assert.False(t, strings.Contains(stripped.RawQuery, ParamToken))

	bare := &url.URL{Scheme: "https", Host: "tax.example.edu", Path: "/app", RawQuery: "token=x&sso=1"}
	assert.Equal(t, "https://tax.example.edu/app", StripParams(bare).String())
}
