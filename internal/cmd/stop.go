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

package cmd

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// stopPollInterval and stopWait bound how long `stop` waits for the
// signalled process to exit before giving up, matching the start side's
// shutdownDeadline plus a margin for process teardown.
const (
	stopPollInterval = 100 * time.Millisecond
	stopWait         = shutdownDeadline + 2*time.Second
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running netwatchd instance",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()
		os.Exit(runStop())
	},
}

func runStop() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: invalid configuration: %v\n", err)
		return 1
	}

	pid, ok := readPidFile(cfg.PidFile)
	if !ok {
		fmt.Fprintln(os.Stderr, "netwatchd: not running")
		return 1
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: unable to locate pid %d: %v\n", pid, err)
		return 1
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: unable to signal pid %d: %v\n", pid, err)
		return 1
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return 0
		}
		time.Sleep(stopPollInterval)
	}
	fmt.Fprintf(os.Stderr, "netwatchd: pid %d did not exit within %s\n", pid, stopWait)
	return 1
}
