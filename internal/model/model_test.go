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

package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExeIdString(t *testing.T) {
	id := ExeId{Device: 64, Inode: 1234}
	require.Equal(t, "64:1234", id.String())
}

func TestDirectionString(t *testing.T) {
	require.Equal(t, "send", DirSend.String())
	require.Equal(t, "recv", DirRecv.String())
	require.Equal(t, "exec-only", DirExecOnly.String())
	require.Equal(t, "unknown", Direction(99).String())
}

func TestNoveltyKindString(t *testing.T) {
	require.Equal(t, "new_executable", NoveltyNewExecutable.String())
	require.Equal(t, "new_hash_for_executable", NoveltyNewHashForExecutable.String())
	require.Equal(t, "new_name_for_executable", NoveltyNewNameForExecutable.String())
	require.Equal(t, "new_executable_for_name", NoveltyNewExecutableForName.String())
	require.Equal(t, "none", NoveltyNone.String())
}

func TestKeyGroupsIdenticalTuplesTogether(t *testing.T) {
	a := Key("h1", "p1", 1000, "1.2.3.4", 443)
	b := Key("h1", "p1", 1000, "1.2.3.4", 443)
	require.Equal(t, a, b)

	c := Key("h1", "p1", 1000, "1.2.3.4", 53)
	require.NotEqual(t, a, c)
}

func TestGroupKeyUsableAsMapKey(t *testing.T) {
	m := map[GroupKey]int{}
	k := Key("h1", "p1", 1000, "example.com", 443)
	m[k]++
	m[k]++
	require.Equal(t, 2, m[Key("h1", "p1", 1000, "example.com", 443)])
}
