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

// Package config parses netwatchd's structured configuration file and
// applies the options enumerated in spec.md §6. Parsing uses
// github.com/BurntSushi/toml, the library Mu-L-gvisor's runsc uses for its
// own config file.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/netwatchd/netwatchd/internal/errs"
)

// LogIgnore holds the filter rules spec.md §6 calls "Log ignore".
type LogIgnore struct {
	Hashes  []string `toml:"hashes"`
	Domains []string `toml:"domains"`
	Subnets []string `toml:"subnets"`
	Ports   []int    `toml:"ports"`

	subnets []*net.IPNet
}

// DBConfig groups every "DB ..." option of spec.md §6.
type DBConfig struct {
	RetentionDays int    `toml:"retention_days"`
	SQLLog        bool   `toml:"sql_log"`
	SQLServer     bool   `toml:"sql_server"`
	SQLDriver     string `toml:"sql_driver"` // "postgres" | "mysql"
	SQLDSN        string `toml:"sql_dsn"`
	TextLog       bool   `toml:"text_log"`
	TextLogPath   string `toml:"text_log_path"`
	WriteLimitSec int    `toml:"write_limit_seconds"`
	SQLitePath    string `toml:"sqlite_path"`
}

// VTConfig groups every "VT ..." option of spec.md §6.
type VTConfig struct {
	APIKey          string `toml:"api_key"`
	FileUpload      bool   `toml:"file_upload"`
	RequestLimitSec int    `toml:"request_limit_seconds"`
}

// Config is the full parsed configuration.
type Config struct {
	BandwidthMonitor     bool      `toml:"bandwidth_monitor"`
	DesktopNotifications bool      `toml:"desktop_notifications"`
	EveryExe             bool      `toml:"every_exe"`
	LogAddresses         bool      `toml:"log_addresses"`
	LogCommands          bool      `toml:"log_commands"`
	LogIgnore            LogIgnore `toml:"log_ignore"`
	PerfRingBufferPages  int       `toml:"perf_ring_buffer_pages"`
	RLimitNoFile         uint64    `toml:"rlimit_nofile"`

	DB DBConfig `toml:"db"`
	VT VTConfig `toml:"vt"`

	PidFile      string `toml:"pid_file"`
	SystemdUnit  string `toml:"systemd_unit_path"`
	HealthListen string `toml:"health_listen"`
}

// Default returns the configuration with every spec.md-documented default
// applied, used both as the zero-config starting point and to fill gaps in
// a partially-specified file.
func Default() *Config {
	return &Config{
		BandwidthMonitor:     true,
		DesktopNotifications: true,
		PerfRingBufferPages:  64,
		DB: DBConfig{
			RetentionDays: 90,
			SQLLog:        true,
			WriteLimitSec: 10,
			SQLitePath:    "/var/lib/netwatchd/connections.db",
		},
		VT: VTConfig{
			RequestLimitSec: 15,
		},
		PidFile:      "/var/run/netwatchd.pid",
		SystemdUnit:  "/etc/systemd/system/netwatchd.service",
		HealthListen: "127.0.0.1:9469",
	}
}

// Window returns the Aggregator window size, §6's "DB write limit (seconds)".
func (c *Config) Window() time.Duration {
	return time.Duration(c.DB.WriteLimitSec) * time.Second
}

// Load reads and parses a TOML config file on top of Default(), rejecting
// unknown keys as ConfigInvalid (spec.md §7: no silent omission applies to
// configuration as much as to events).
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, err).With("path", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errs.New(errs.KindConfigInvalid,
			fmt.Sprintf("unrecognized config keys in %s: %v", path, undecoded))
	}
	if err := cfg.compileAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) compileAndValidate() error {
	if c.DB.SQLServer {
		switch c.DB.SQLDriver {
		case "postgres", "mysql":
		default:
			return errs.New(errs.KindConfigInvalid,
				fmt.Sprintf("invalid db.sql_driver %q: valid values are postgres, mysql", c.DB.SQLDriver))
		}
		if c.DB.SQLDSN == "" {
			return errs.New(errs.KindConfigInvalid, "db.sql_server enabled but db.sql_dsn is empty")
		}
	}
	c.LogIgnore.subnets = make([]*net.IPNet, 0, len(c.LogIgnore.Subnets))
	for _, s := range c.LogIgnore.Subnets {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return errs.Wrap(errs.KindConfigInvalid, err).With("subnet", s)
		}
		c.LogIgnore.subnets = append(c.LogIgnore.subnets, ipnet)
	}
	if c.DB.WriteLimitSec < 0 {
		return errs.New(errs.KindConfigInvalid, "db.write_limit_seconds must be >= 0")
	}
	if c.PerfRingBufferPages <= 0 || c.PerfRingBufferPages&(c.PerfRingBufferPages-1) != 0 {
		return errs.New(errs.KindConfigInvalid, "perf_ring_buffer_pages must be a power of two")
	}
	return nil
}

// MatchesIgnore reports whether a hash, domain, remote IP, or port is
// covered by the "Log ignore" filter. Matching events are still considered
// for Record Store novelty (spec.md §4.2 step 4) — callers must not skip
// novelty evaluation based on this result.
func (li *LogIgnore) MatchesIgnore(hash, domain string, ip net.IP, port int) bool {
	for _, h := range li.Hashes {
		if h == hash {
			return true
		}
	}
	for _, d := range li.Domains {
		if d == domain {
			return true
		}
	}
	for _, p := range li.Ports {
		if p == port {
			return true
		}
	}
	for _, n := range li.subnets {
		if ip != nil && n.Contains(ip) {
			return true
		}
	}
	return false
}
