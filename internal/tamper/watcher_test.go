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

package tamper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "curl")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o755))

	invalidated := make(chan string, 1)
	w := New(func(path string) { invalidated <- path }, nil)
	defer w.Close()
	if w.Degraded() {
		t.Skip("filesystem notification facility unavailable in this environment")
	}

	require.NoError(t, w.Subscribe(target))
	require.NoError(t, os.WriteFile(target, []byte("v2, replaced"), 0o755))

	select {
	case path := <-invalidated:
		require.Equal(t, target, path)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for invalidation")
	}
}

func TestFallbackLoopDetectsInodeChange(t *testing.T) {
	w := &Watcher{
		refCount: make(map[string]int),
		fallback: map[string]struct{}{"/bin/x": {}},
		degraded: true,
	}
	var got []string
	w.onInvalidate = func(path string) { got = append(got, path) }

	stop := make(chan struct{})
	calls := 0
	statFn := func(path string) (uint64, uint64, error) {
		calls++
		if calls == 1 {
			return 1, 100, nil
		}
		return 1, 200, nil // inode changed between polls
	}

	go w.RunFallbackLoop(stop, 5*time.Millisecond, statFn)
	time.Sleep(30 * time.Millisecond)
	close(stop)

	require.NotEmpty(t, got)
	require.Equal(t, "/bin/x", got[0])
}
