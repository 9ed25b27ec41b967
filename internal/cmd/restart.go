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

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart netwatchd, stopping any running instance first",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()
		os.Exit(runRestart())
	},
}

func runRestart() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: invalid configuration: %v\n", err)
		return 1
	}

	if _, ok := readPidFile(cfg.PidFile); ok {
		if code := runStop(); code != 0 {
			return code
		}
	}
	return runStart()
}
