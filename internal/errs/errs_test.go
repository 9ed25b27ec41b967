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

package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndKindOf(t *testing.T) {
	underlying := errors.New("boom")
	f := Wrap(KindIoError, underlying)
	require.Equal(t, KindIoError, KindOf(f))
	require.ErrorIs(t, f, underlying)
}

func TestWrapNilReturnsNil(t *testing.T) {
	require.Nil(t, Wrap(KindIoError, nil))
}

func TestKindOfOnPlainErrorIsUnknown(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestIsMatchesOnKindOnly(t *testing.T) {
	f := Wrap(KindExeReplaced, errors.New("dev/inode mismatch"))
	require.True(t, errors.Is(f, KindValue(KindExeReplaced)))
	require.False(t, errors.Is(f, KindValue(KindVanishedProcess)))
}

func TestWithAttachesContext(t *testing.T) {
	f := New(KindConfigInvalid, "bad option").With("key", "db.sql_driver")
	require.Equal(t, "db.sql_driver", f.Context["key"])
}

func TestErrorStringIncludesKindAndMessage(t *testing.T) {
	f := Wrap(KindIoError, errors.New("disk full"))
	require.Contains(t, f.Error(), "IoError")
	require.Contains(t, f.Error(), "disk full")
}

func TestUnknownKindStringFallsBack(t *testing.T) {
	require.Equal(t, "Unknown", Kind(255).String())
}
