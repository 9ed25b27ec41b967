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

package execache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netwatchd/netwatchd/internal/model"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(4, nil)
	require.NoError(t, err)

	id := model.ExeId{Device: 1, Inode: 2}
	c.Put(id, Entry{SHA256: "abc", Path: "/usr/bin/curl"})

	e, ok := c.Get(id)
	require.True(t, ok)
	require.Equal(t, "abc", e.SHA256)
}

func TestLRUEvictionRunsCallback(t *testing.T) {
	var evicted []model.ExeId
	c, err := New(1, func(id model.ExeId, e Entry) {
		evicted = append(evicted, id)
	})
	require.NoError(t, err)

	first := model.ExeId{Device: 1, Inode: 1}
	second := model.ExeId{Device: 1, Inode: 2}

	c.Put(first, Entry{SHA256: "a", Path: "/bin/a"})
	c.Put(second, Entry{SHA256: "b", Path: "/bin/b"})

	_, ok := c.Get(first)
	require.False(t, ok, "first entry should have been evicted at capacity 1")
	require.Equal(t, []model.ExeId{first}, evicted)
}

func TestInvalidateByPathRemovesAllSharingPath(t *testing.T) {
	c, err := New(8, nil)
	require.NoError(t, err)

	a := model.ExeId{Device: 1, Inode: 10}
	b := model.ExeId{Device: 1, Inode: 11}
	c.Put(a, Entry{SHA256: "h1", Path: "/usr/bin/curl"})
	c.Put(b, Entry{SHA256: "h2", Path: "/usr/bin/curl"})

	ids := c.InvalidateByPath("/usr/bin/curl")
	require.ElementsMatch(t, []model.ExeId{a, b}, ids)

	_, ok := c.Get(a)
	require.False(t, ok)
	_, ok = c.Get(b)
	require.False(t, ok)
}

func TestDescriptorBudgetShedding(t *testing.T) {
	c, err := New(4, nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		c.Put(model.ExeId{Device: 1, Inode: uint64(i)}, Entry{SHA256: "x", Path: "/bin/x"})
	}
	require.Equal(t, 4, c.Len())

	c.Resize(2)
	require.LessOrEqual(t, c.Len(), 2)
}
