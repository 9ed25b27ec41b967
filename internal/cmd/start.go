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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netwatchd/netwatchd/internal/daemon"
)

// shutdownDeadline bounds graceful shutdown, per spec.md §5: "Shutdown is
// bounded by a deadline (default: a few seconds)".
const shutdownDeadline = 5 * time.Second

func init() {
	RootCmd.AddCommand(startCmd)
	RootCmd.AddCommand(stopCmd)
	RootCmd.AddCommand(restartCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(systemdCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the netwatchd capture pipeline in the foreground",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()
		os.Exit(runStart())
	},
}

func runStart() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: invalid configuration: %v\n", err)
		return 1
	}

	if pid, ok := readPidFile(cfg.PidFile); ok {
		fmt.Fprintf(os.Stderr, "netwatchd: already running (pid %d)\n", pid)
		return 1
	}
	if err := writePidFile(cfg.PidFile); err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: unable to write pid file %s: %v\n", cfg.PidFile, err)
		return 1
	}
	defer removePidFile(cfg.PidFile)

	pipeline, err := daemon.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: unable to construct pipeline: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- pipeline.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			log.WithError(err).Error("netwatchd: pipeline exited with error")
		}
	}

	if err := pipeline.Shutdown(shutdownDeadline); err != nil {
		log.WithError(err).Error("netwatchd: shutdown did not complete cleanly")
		return 1
	}
	return 0
}
