/*
Copyright 2019 The Machine Controller Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apierrors defines the closed set of error kinds krustlet's
// subsystems use to decide retry, escalation and exit behavior.
package apierrors

import (
	"errors"
	"fmt"
)

// Kind identifies which of krustlet's fixed error-handling policies applies
// to an error. Kinds are never combined; each error belongs to exactly one.
type Kind string

const (
	// KindConfig marks a malformed or missing configuration value. Fatal at startup.
	KindConfig Kind = "ConfigError"
	// KindCredential marks a bootstrap or serving-certificate failure (CSR denied,
	// bootstrap token expired). Fatal at startup.
	KindCredential Kind = "CredentialError"
	// KindAPIUnavailable marks a control-plane RPC failure. Retried forever with
	// backoff; surfaces as node Ready=False after repeated misses.
	KindAPIUnavailable Kind = "ApiUnavailable"
	// KindImagePull marks a module-blob pull failure. Pod-local, retried with
	// backoff, escalates to ImagePullBackOff but never terminates the pod.
	KindImagePull Kind = "ImagePullError"
	// KindMount marks a volume resolve/stage/publish failure. Pod-local, retried
	// a bounded number of times, then surfaces as a FailedMount event.
	KindMount Kind = "MountError"
	// KindProvider marks a runtime-adapter failure. Pod-local, routed through
	// the Error state; the pod phase becomes Failed.
	KindProvider Kind = "ProviderError"
	// KindPlugin marks a CSI or device-plugin handshake/RPC failure. Plugin-local;
	// the plugin is de-registered and capacity is updated.
	KindPlugin Kind = "PluginError"
	// KindNotFound marks an expected-absent object, e.g. a pod already deleted.
	// Callers should treat it as a silent no-op, not an error to report.
	KindNotFound Kind = "NotFound"
)

// Error wraps an underlying cause with the Kind that determines how callers
// should react to it.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Retries int
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given Kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound reports whether err represents an expected-absent object.
func IsNotFound(err error) bool {
	return Is(err, KindNotFound)
}

// Fatal reports whether err belongs to a Kind that must abort process
// startup (ConfigError, CredentialError) per the propagation policy in
// the error-handling design.
func Fatal(err error) bool {
	return Is(err, KindConfig) || Is(err, KindCredential)
}
