// Package errs provides structured error types and helpers for unionidx services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a provider-specific error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded provider rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeProvider indicates a metadata provider-side failure.
	CodeProvider Code = "provider_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeTimeout indicates the fetch exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures provider-agnostic failure categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalMetaNotFound indicates that the provider has no metadata for the key.
	CanonicalMetaNotFound CanonicalCode = "meta_not_found"
	// CanonicalMetaUnparseable indicates metadata was returned but could not be decoded.
	CanonicalMetaUnparseable CanonicalCode = "meta_unparseable"
	// CanonicalContentMissing indicates referenced content (image, animation) is gone.
	CanonicalContentMissing CanonicalCode = "content_missing"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
	// CanonicalEntryExists indicates an initial entry was already created by a concurrent actor.
	CanonicalEntryExists CanonicalCode = "entry_exists"
)

// E captures structured error information produced across the unionidx stack.
type E struct {
	Provider         string
	Code             Code
	HTTP             int
	RawCode          string
	RawMsg           string
	Message          string
	Canonical        CanonicalCode
	ProviderMetadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the provider and error code.
func New(provider string, code Code, opts ...Option) *E {
	e := &E{
		Provider:         strings.TrimSpace(provider),
		Code:             code,
		HTTP:             0,
		RawCode:          "",
		RawMsg:           "",
		Message:          "",
		Canonical:        CanonicalUnknown,
		ProviderMetadata: nil,
		cause:            nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw provider error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw provider error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithProviderMetadata merges the provided provider metadata into the error envelope.
func WithProviderMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.ProviderMetadata == nil {
			e.ProviderMetadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.ProviderMetadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithProviderField appends a single provider metadata key/value pair.
func WithProviderField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.ProviderMetadata == nil {
			e.ProviderMetadata = make(map[string]string, 1)
		}
		e.ProviderMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	provider := strings.TrimSpace(e.Provider)
	if provider == "" {
		provider = "unknown"
	}
	parts = append(parts, "provider="+provider)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.ProviderMetadata) > 0 {
		keys := make([]string, 0, len(e.ProviderMetadata))
		for k := range e.ProviderMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.ProviderMetadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsConflict reports whether err carries a concurrent-mutation conflict code.
func IsConflict(err error) bool {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code == CodeConflict
	}
	return false
}

// Download returns a standardized download failure envelope for the provider.
func Download(provider, msg string, opts ...Option) *E {
	all := append([]Option{WithMessage(msg)}, opts...)
	return New(provider, CodeProvider, all...)
}

// AsDownload normalizes err into a download failure envelope. Errors that are
// already an *E pass through unchanged; anything else is wrapped so the
// pipeline only ever observes structured failures.
func AsDownload(provider string, err error) *E {
	if err == nil {
		return nil
	}
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope
	}
	return New(provider, CodeProvider, WithMessage(err.Error()), WithCause(err))
}
