/*
Copyright (c) Facebook, Inc. and its affiliates.
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

// Package errs declares the pipeline error taxonomy shared by every stage of
// the capture pipeline, so the error log and the notification dispatcher can
// key off a closed set of kinds instead of matching error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a Fault into one of the taxonomy buckets of the design.
type Kind uint8

// The full error taxonomy.
const (
	KindUnknown Kind = iota
	KindRingLoss
	KindQueueLoss
	KindVanishedProcess
	KindExeReplaced
	KindHashTimeout
	KindPermissionDenied
	KindIoError
	KindWatcherExhausted
	KindSinkFailure
	KindScanBackoff
	KindConfigInvalid
	KindShutdownTimeout
	KindInodeCollision
)

var kindNames = map[Kind]string{
	KindUnknown:          "Unknown",
	KindRingLoss:         "RingLoss",
	KindQueueLoss:        "QueueLoss",
	KindVanishedProcess:  "VanishedProcess",
	KindExeReplaced:      "ExeReplaced",
	KindHashTimeout:      "HashTimeout",
	KindPermissionDenied: "PermissionDenied",
	KindIoError:          "IoError",
	KindWatcherExhausted: "WatcherExhausted",
	KindSinkFailure:      "SinkFailure",
	KindScanBackoff:      "ScanBackoff",
	KindConfigInvalid:    "ConfigInvalid",
	KindShutdownTimeout:  "ShutdownTimeout",
	KindInodeCollision:   "InodeCollision",
}

// String renders the kind's canonical name, used both in log lines and as
// the notification dedup key.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Fault wraps an underlying error with a Kind and optional structured
// context, so every stage of the pipeline reports failures uniformly.
type Fault struct {
	Kind    Kind
	Context map[string]any
	Err     error
}

// New builds a Fault with no wrapped error, for conditions synthesized by
// the pipeline itself (e.g. ring buffer loss) rather than surfaced from an
// underlying syscall or library error.
func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Err: errors.New(msg)}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Err: err}
}

// With attaches structured context, mirroring logrus.WithFields at the
// error-construction site rather than the log-call site.
func (f *Fault) With(key string, value any) *Fault {
	if f.Context == nil {
		f.Context = make(map[string]any, 1)
	}
	f.Context[key] = value
	return f
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped error.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Is lets errors.Is match on Kind sentinels (see KindValue below).
func (f *Fault) Is(target error) bool {
	other, ok := target.(*Fault)
	if !ok {
		return false
	}
	return other.Err == nil && other.Kind == f.Kind
}

// KindValue is a sentinel usable with errors.Is(err, errs.KindValue(KindX))
// when the caller only cares about the classification, not the wrapped
// error or context.
func KindValue(kind Kind) *Fault {
	return &Fault{Kind: kind}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Fault, otherwise
// KindUnknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}
