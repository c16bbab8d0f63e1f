package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// Code is the closed set of failures surfaced to callers
type Code string

const (
	CodeInvalidCredentials Code = "invalid_credentials"
	CodeAccountDisabled    Code = "account_disabled"
	CodeEmailAlreadyInUse  Code = "email_already_in_use"
	CodeWeakSecret         Code = "weak_secret"
	CodePopupClosed        Code = "popup_closed"
	CodePopupBlocked       Code = "popup_blocked"
	CodeNetworkUnavailable Code = "network_unavailable"
	CodeRateLimited        Code = "rate_limited"
	CodeUnknown            Code = "unknown"
)

var messages = map[Code]string{
	CodeInvalidCredentials: "Invalid email or password.",
	CodeAccountDisabled:    "This account has been disabled.",
	CodeEmailAlreadyInUse:  "An account with this email already exists.",
	CodeWeakSecret:         "Password should be at least 6 characters.",
	CodePopupClosed:        "Sign-in popup was closed. Please try again.",
	CodePopupBlocked:       "Popup was blocked by browser. Please allow popups and try again.",
	CodeNetworkUnavailable: "Network error. Please check your connection.",
	CodeRateLimited:        "Too many failed attempts. Please try again later.",
	CodeUnknown:            "An error occurred during authentication. Please try again.",
}

// Message returns the user-presentable text for the code
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return messages[CodeUnknown]
}

// HTTPStatus suggests a response status for the code
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidCredentials:
		return http.StatusUnauthorized
	case CodeAccountDisabled:
		return http.StatusForbidden
	case CodeEmailAlreadyInUse:
		return http.StatusConflict
	case CodeWeakSecret:
		return http.StatusUnprocessableEntity
	case CodePopupClosed, CodePopupBlocked:
		return http.StatusBadRequest
	case CodeNetworkUnavailable:
		return http.StatusBadGateway
	case CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// Error is a taxonomy failure. Err keeps the native cause for logs.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return e.Code.Message()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so sentinel values such as
// ErrRateLimited work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == nil && t.Code == e.Code
}

// Sentinels for errors.Is
var (
	ErrInvalidCredentials = &Error{Code: CodeInvalidCredentials}
	ErrAccountDisabled    = &Error{Code: CodeAccountDisabled}
	ErrEmailAlreadyInUse  = &Error{Code: CodeEmailAlreadyInUse}
	ErrWeakSecret         = &Error{Code: CodeWeakSecret}
	ErrPopupClosed        = &Error{Code: CodePopupClosed}
	ErrPopupBlocked       = &Error{Code: CodePopupBlocked}
	ErrNetworkUnavailable = &Error{Code: CodeNetworkUnavailable}
	ErrRateLimited        = &Error{Code: CodeRateLimited}
	ErrUnknown            = &Error{Code: CodeUnknown}
)

func newError(code Code, cause error) *Error {
	return &Error{Code: code, Err: cause}
}

// NativeError carries a provider-specific failure code and HTTP status
type NativeError struct {
	Code   string
	Status int
	Err    error
}

func (e *NativeError) Error() string {
	msg := e.Code
	if msg == "" {
		msg = "provider error"
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NativeError) Unwrap() error {
	return e.Err
}

var nativeCodes = map[string]Code{
	// Identity Toolkit REST
	"EMAIL_NOT_FOUND":             CodeInvalidCredentials,
	"INVALID_PASSWORD":            CodeInvalidCredentials,
	"INVALID_LOGIN_CREDENTIALS":   CodeInvalidCredentials,
	"INVALID_EMAIL":               CodeInvalidCredentials,
	"MISSING_PASSWORD":            CodeInvalidCredentials,
	"USER_DISABLED":               CodeAccountDisabled,
	"EMAIL_EXISTS":                CodeEmailAlreadyInUse,
	"WEAK_PASSWORD":               CodeWeakSecret,
	"TOO_MANY_ATTEMPTS_TRY_LATER": CodeRateLimited,
	"TOKEN_EXPIRED":               CodeInvalidCredentials,
	"USER_NOT_FOUND":              CodeInvalidCredentials,
	"INVALID_REFRESH_TOKEN":       CodeInvalidCredentials,

	// Firebase client SDK
	"auth/user-not-found":          CodeInvalidCredentials,
	"auth/wrong-password":          CodeInvalidCredentials,
	"auth/invalid-credential":      CodeInvalidCredentials,
	"auth/invalid-email":           CodeInvalidCredentials,
	"auth/user-disabled":           CodeAccountDisabled,
	"auth/email-already-in-use":    CodeEmailAlreadyInUse,
	"auth/weak-password":           CodeWeakSecret,
	"auth/popup-closed-by-user":    CodePopupClosed,
	"auth/cancelled-popup-request": CodePopupClosed,
	"auth/popup-blocked":           CodePopupBlocked,
	"auth/network-request-failed":  CodeNetworkUnavailable,
	"auth/too-many-requests":       CodeRateLimited,

	// OAuth 2.0 (RFC 6749)
	"invalid_grant":           CodeInvalidCredentials,
	"access_denied":           CodePopupClosed,
	"temporarily_unavailable": CodeNetworkUnavailable,
	"slow_down":               CodeRateLimited,
}

// Translate maps any error into the taxonomy. nil stays nil and an *Error
// is returned unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}

	var te *Error
	if errors.As(err, &te) {
		return te
	}

	var native *NativeError
	if errors.As(err, &native) {
		return newError(translateNative(native.Code, native.Status), err)
	}

	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		status := 0
		if retrieve.Response != nil {
			status = retrieve.Response.StatusCode
		}
		return newError(translateNative(retrieve.ErrorCode, status), err)
	}

	// a caller giving up is not a network failure, even inside a url.Error
	if errors.Is(err, context.Canceled) {
		return newError(CodeUnknown, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeNetworkUnavailable, err)
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return newError(CodeNetworkUnavailable, err)
	}

	return newError(CodeUnknown, err)
}

func translateNative(code string, status int) Code {
	code = strings.TrimSpace(code)
	// Identity Toolkit appends detail, e.g. "WEAK_PASSWORD : Password should be ..."
	if i := strings.Index(code, " :"); i > 0 {
		code = strings.TrimSpace(code[:i])
	}
	if c, ok := nativeCodes[code]; ok {
		return c
	}

	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return CodeNetworkUnavailable
	}
	return CodeUnknown
}

// CodeOf returns the taxonomy code of err, or "" for nil
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(Translate(err), &te) {
		return te.Code
	}
	return CodeUnknown
}
