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

// Package cmd implements the process command surface of spec.md §6:
// start/stop/restart/status/systemd/help. The command tree, persistent
// flags, and ConfigureVerbosity pattern are grounded directly on
// dnswatch/cmd/root.go — generalized from a single-mode packet monitor's
// flag set to a daemon's lifecycle verbs plus a shared config-file flag.
package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netwatchd/netwatchd/internal/config"
)

// RootCmd is netwatchd's entry point, exported (as dnswatch's is) so the
// binary's wiring can be extended without touching this package.
var RootCmd = &cobra.Command{
	Use:   "netwatchd",
	Short: "Host-based network-activity monitor that attributes connections to executables",
}

var (
	configPath string
	logLevel   string
)

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/netwatchd/netwatchd.toml", "path to the configuration file")
	RootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "set a log level. Can be: trace, debug, info, warning, error")
}

// ConfigureVerbosity configures log verbosity based on parsed flags. Needs
// to be called by any subcommand, matching dnswatch/cmd/root.go's contract.
func ConfigureVerbosity() {
	switch logLevel {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", logLevel)
	}
}

// loadConfig loads the config file named by --config, falling back to
// config.Default() when the file does not exist so a first run with no
// config in place still starts with every spec.md-documented default.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.WithField("path", configPath).Info("cmd: no config file found, using defaults")
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// Execute is the main entry point for the CLI, matching dnswatch/cmd's
// Execute.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
