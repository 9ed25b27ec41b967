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
	"text/template"

	"github.com/spf13/cobra"
)

// unitTemplate renders a systemd unit that runs netwatchd in the foreground
// under the chosen --config, matching the non-daemonizing start verb: the
// unit itself supplies restart-on-failure rather than a double-fork.
const unitTemplate = `[Unit]
Description=netwatchd network-activity monitor
After=network.target

[Service]
Type=simple
ExecStart={{.Executable}} start --config {{.ConfigPath}}
ExecStop={{.Executable}} stop --config {{.ConfigPath}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

var unitTmpl = template.Must(template.New("netwatchd.service").Parse(unitTemplate))

var systemdCmd = &cobra.Command{
	Use:   "systemd",
	Short: "Write a systemd unit file for netwatchd",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()
		os.Exit(runSystemd())
	},
}

func runSystemd() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: invalid configuration: %v\n", err)
		return 1
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: unable to resolve own executable path: %v\n", err)
		return 1
	}

	f, err := os.Create(cfg.SystemdUnit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: unable to create %s: %v\n", cfg.SystemdUnit, err)
		return 1
	}
	defer f.Close()

	data := struct {
		Executable string
		ConfigPath string
	}{Executable: exe, ConfigPath: configPath}
	if err := unitTmpl.Execute(f, data); err != nil {
		fmt.Fprintf(os.Stderr, "netwatchd: unable to render unit file: %v\n", err)
		return 1
	}

	fmt.Printf("wrote systemd unit to %s\n", cfg.SystemdUnit)
	return 0
}
