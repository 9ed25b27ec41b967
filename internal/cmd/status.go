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

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether netwatchd is running",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()
		os.Exit(runStatus())
	},
}

func runStatus() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: invalid configuration: %v\n", err)
		return 1
	}

	pid, ok := readPidFile(cfg.PidFile)
	if !ok {
		fmt.Println("netwatchd is not running")
		return 1
	}
	fmt.Printf("netwatchd is running (pid %d)\n", pid)
	return 0
}
