// Copyright 2021-2022 The parksense Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"errors"
	"fmt"
)

// FailureKind classifies why an operation did not complete
type FailureKind string

const (
	// FailureAuthentication the presented credential was rejected
	FailureAuthentication FailureKind = "authentication"
	// FailureNotFound a referenced record does not exist
	FailureNotFound FailureKind = "not-found"
	// FailureUpstreamQuery the persistence collaborator failed
	FailureUpstreamQuery FailureKind = "upstream-query"
	// FailureStaleConnection the connection is no longer registered
	FailureStaleConnection FailureKind = "stale-connection"
	// FailureInvalidInput the request parameters are malformed
	FailureInvalidInput FailureKind = "invalid-input"
)

// OperationFailure an error tagged with its FailureKind and the operation which failed
type OperationFailure struct {
	Kind      FailureKind
	Operation string
	Err       error
}

// Error implements error
func (f *OperationFailure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Operation, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", f.Operation, f.Kind, f.Err.Error())
}

// Unwrap support errors.Is / errors.As on the underlying error
func (f *OperationFailure) Unwrap() error {
	return f.Err
}

// NewFailure define a new OperationFailure
func NewFailure(kind FailureKind, operation string, err error) error {
	return &OperationFailure{Kind: kind, Operation: operation, Err: err}
}

// FailureKindOf fetch the FailureKind of an error. Errors not tagged with a kind are
// treated as upstream failures.
func FailureKindOf(err error) FailureKind {
	var failure *OperationFailure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return FailureUpstreamQuery
}

// IsFailureKind check whether an error is an OperationFailure of a specific kind
func IsFailureKind(err error, kind FailureKind) bool {
	var failure *OperationFailure
	if errors.As(err, &failure) {
		return failure.Kind == kind
	}
	return false
}
