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

package procutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netwatchd/netwatchd/internal/errs"
)

func TestExeIDAndExePathOnSelf(t *testing.T) {
	pid := os.Getpid()

	path, err := ExePath(pid)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	id, path2, err := ExeID(pid)
	require.NoError(t, err)
	require.Equal(t, path, path2)
	require.NotZero(t, id.Inode)
}

func TestCmdlineOnSelf(t *testing.T) {
	cmdline, err := Cmdline(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, cmdline)
}

func TestParentPidOnSelf(t *testing.T) {
	ppid, err := ParentPid(os.Getpid())
	require.NoError(t, err)
	require.Equal(t, os.Getppid(), ppid)
}

func TestCommOnSelf(t *testing.T) {
	comm, err := Comm(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, comm)
}

func TestUidOnSelf(t *testing.T) {
	uid, err := Uid(os.Getpid())
	require.NoError(t, err)
	require.Equal(t, os.Getuid(), uid)
}

func TestVanishedProcessIsTaggedCorrectly(t *testing.T) {
	// A pid that (almost certainly) does not exist.
	const noSuchPid = 1 << 30

	_, err := ExePath(noSuchPid)
	require.Error(t, err)
	require.Equal(t, errs.KindVanishedProcess, errs.KindOf(err))

	_, err = Cmdline(noSuchPid)
	require.Error(t, err)
	require.Equal(t, errs.KindVanishedProcess, errs.KindOf(err))

	_, err = ParentPid(noSuchPid)
	require.Error(t, err)
	require.Equal(t, errs.KindVanishedProcess, errs.KindOf(err))
}
