// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs provides the structured error taxonomy of the reaction pipeline.
//
// Callers branch on the category, never on message text:
//
//	if errors.Is(err, errs.ErrRateLimited) { ... 429 ... }
//	if errs.Retryable(err) { ... retry with backoff ... }
package errs

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeRateLimited means the actor must slow down. Never retried automatically.
	CodeRateLimited Code = "rate_limited"
	// CodeTransient means cache, log or store was temporarily unavailable.
	CodeTransient Code = "transient_infra"
	// CodeMalformed means an event payload could not be parsed or validated.
	CodeMalformed Code = "malformed_event"
	// CodeConflict means a uniqueness race was lost. Treated as a benign no-op.
	CodeConflict Code = "constraint_violation"
	// CodeInvalid means the caller supplied invalid input.
	CodeInvalid Code = "invalid_request"
)

// Sentinels usable with errors.Is; matching is by Code.
var (
	ErrRateLimited = &E{Code: CodeRateLimited}
	ErrTransient   = &E{Code: CodeTransient}
	ErrMalformed   = &E{Code: CodeMalformed}
	ErrConflict    = &E{Code: CodeConflict}
	ErrInvalid     = &E{Code: CodeInvalid}
)

// E is the error envelope produced across the reaction pipeline.
type E struct {
	Component string
	Code      Code
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{Component: strings.TrimSpace(component), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 4)
	if e.Component != "" {
		parts = append(parts, "component="+e.Component)
	}
	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches any *E carrying the same code.
func (e *E) Is(target error) bool {
	var t *E
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the code of the first envelope in err's chain. A bare
// context deadline or cancellation is reported as CodeTransient; any other
// unclassified error yields "".
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	if IsTimeout(err) {
		return CodeTransient
	}
	return ""
}

// Retryable reports whether err is a transient infrastructure failure.
func Retryable(err error) bool {
	return CodeOf(err) == CodeTransient
}

// Transient wraps err as a transient infrastructure failure.
func Transient(component, message string, err error) *E {
	return New(component, CodeTransient, WithMessage(message), WithCause(err))
}

// Invalid builds an invalid-request error.
func Invalid(component, message string) *E {
	return New(component, CodeInvalid, WithMessage(message))
}

// IsTimeout reports whether err is a context deadline or cancellation.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
