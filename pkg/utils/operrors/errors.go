// Copyright 2021 IBM Corp.
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

package operrors

import (
	emperrors "emperror.dev/errors"
)

const (
	ErrUpload          = emperrors.Sentinel("upload failed")
	ErrDatabase        = emperrors.Sentinel("metadata store failure")
	ErrFile            = emperrors.Sentinel("blob store failure")
	ErrNotFound        = emperrors.Sentinel("not found")
	ErrPayloadTooLarge = emperrors.Sentinel("payload too large")
	ErrInvalidRequest  = emperrors.Sentinel("invalid request")
)

// kindError tags a cause with one of the sentinel kinds above so callers can
// branch with errors.Is on the kind and still unwrap to the cause.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error {
	return e.cause
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

// Mark returns cause tagged with kind, carrying a stack trace and the
// key/value details. A nil cause yields the bare kind.
func Mark(kind, cause error, details ...interface{}) error {
	var err error = &kindError{kind: kind, cause: cause}
	err = emperrors.WithStackDepth(err, 1)
	if len(details) > 0 {
		err = emperrors.WithDetails(err, details...)
	}
	return err
}

// Upload marks cause as a malformed or unreadable upload.
func Upload(cause error, details ...interface{}) error {
	return Mark(ErrUpload, cause, details...)
}

// Database marks cause as a metadata store failure.
func Database(cause error, details ...interface{}) error {
	return Mark(ErrDatabase, cause, details...)
}

// File marks cause as a blob store failure.
func File(cause error, details ...interface{}) error {
	return Mark(ErrFile, cause, details...)
}

// NotFound marks cause as a lookup miss.
func NotFound(cause error, details ...interface{}) error {
	return Mark(ErrNotFound, cause, details...)
}

// InvalidRequest marks cause as a bad request parameter.
func InvalidRequest(cause error, details ...interface{}) error {
	return Mark(ErrInvalidRequest, cause, details...)
}

// Kind returns the sentinel kind err was marked with, or nil.
func Kind(err error) error {
	for _, kind := range []error{ErrPayloadTooLarge, ErrNotFound, ErrInvalidRequest, ErrUpload, ErrFile, ErrDatabase} {
		if emperrors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
