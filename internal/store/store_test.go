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

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netwatchd/netwatchd/internal/model"
)

func TestFirstSightingIsNewExecutable(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store.json"), time.Hour)
	require.NoError(t, err)

	d := s.Evaluate(model.ConnectionRecord{ExeSHA256: "h1", ExeName: "curl"})
	require.Equal(t, model.NoveltyNewExecutable, d.Kind)
	require.NotEmpty(t, d.ID)
}

func TestRepeatSightingIsNotNovel(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store.json"), time.Hour)
	require.NoError(t, err)

	s.Evaluate(model.ConnectionRecord{ExeSHA256: "h1", ExeName: "curl"})
	d := s.Evaluate(model.ConnectionRecord{ExeSHA256: "h1", ExeName: "curl"})
	require.Equal(t, model.NoveltyNone, d.Kind)
}

func TestNewHashForKnownNameIsNewHashForExecutable(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store.json"), time.Hour)
	require.NoError(t, err)

	// End-to-end scenario 3: the file at a known path is replaced, changing
	// its hash. The name running it (curl) stays the same, so this must
	// classify as a new hash for an already-known executable, not as a
	// brand-new executable reusing a familiar name.
	s.Evaluate(model.ConnectionRecord{ExeSHA256: "h1", ExeName: "curl"})
	d := s.Evaluate(model.ConnectionRecord{ExeSHA256: "h2", ExeName: "curl"})
	require.Equal(t, model.NoveltyNewHashForExecutable, d.Kind)
}

func TestHashKnownElsewherePairedWithBusyNameIsNewExecutableForName(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store.json"), time.Hour)
	require.NoError(t, err)

	s.Evaluate(model.ConnectionRecord{ExeSHA256: "h1", ExeName: "curl"})
	s.Evaluate(model.ConnectionRecord{ExeSHA256: "h2", ExeName: "wget"})

	// h2 is already known (under wget); curl already has a history of its
	// own (h1). Pairing the two is a familiar name backed by a different,
	// already-known executable.
	d := s.Evaluate(model.ConnectionRecord{ExeSHA256: "h2", ExeName: "curl"})
	require.Equal(t, model.NoveltyNewExecutableForName, d.Kind)
}

func TestNewNameForKnownHashIsNewNameForExecutable(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store.json"), time.Hour)
	require.NoError(t, err)

	s.Evaluate(model.ConnectionRecord{ExeSHA256: "h1", ExeName: "curl"})
	d := s.Evaluate(model.ConnectionRecord{ExeSHA256: "h1", ExeName: "curl-renamed"})
	require.Equal(t, model.NoveltyNewNameForExecutable, d.Kind)
}

func TestHashErrorRecordsAreNeverNovel(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store.json"), time.Hour)
	require.NoError(t, err)

	d := s.Evaluate(model.ConnectionRecord{HashError: "VanishedProcess", ExeName: "curl"})
	require.Equal(t, model.NoveltyNone, d.Kind)
}

func TestDedupWindowSuppressesRepeatNotificationForSameExecutable(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store.json"), time.Hour)
	require.NoError(t, err)

	d1 := s.Evaluate(model.ConnectionRecord{ExeSHA256: "h1", ExeName: "curl"})
	require.False(t, d1.Suppressed)
	require.NotEmpty(t, d1.ID)

	// Same hash, new name: a second distinct novelty kind for the same
	// executable within the window is still suppressed.
	d2 := s.Evaluate(model.ConnectionRecord{ExeSHA256: "h1", ExeName: "curl-renamed"})
	require.Equal(t, model.NoveltyNewNameForExecutable, d2.Kind)
	require.True(t, d2.Suppressed, "repeat novelty for the same executable within the dedup window should be suppressed")

	// A genuinely different executable is never suppressed by another
	// executable's recent notification.
	d3 := s.Evaluate(model.ConnectionRecord{ExeSHA256: "h2", ExeName: "wget"})
	require.False(t, d3.Suppressed)
}

func TestPersistAndReloadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := New(path, time.Hour)
	require.NoError(t, err)

	s.Evaluate(model.ConnectionRecord{ExeSHA256: "h1", ExeName: "curl"})
	require.NoError(t, s.Persist())

	reloaded, err := New(path, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())

	d := reloaded.Evaluate(model.ConnectionRecord{ExeSHA256: "h1", ExeName: "curl"})
	require.Equal(t, model.NoveltyNone, d.Kind, "reloaded store must recognize the previously persisted executable")
}
