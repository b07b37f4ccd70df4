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

// Package config holds the daemon's static configuration
package config

import (
	"fmt"
	"os"

	ptp "github.com/caobinxin/linuxptp/protocol"
	"github.com/caobinxin/linuxptp/timestamp"
	yaml "gopkg.in/yaml.v2"
)

// log2 message intervals this far out make no protocol sense and the
// short end truncates to zero nanoseconds
const (
	minLogInterval ptp.LogInterval = -7
	maxLogInterval ptp.LogInterval = 7
)

// IfaceConfig describes one PTP port: the interface it binds to and
// its timestamping mode
type IfaceConfig struct {
	Name         string `yaml:"name"`
	Timestamping string `yaml:"timestamping"`
}

// Config specifies ptpd run options
type Config struct {
	Interfaces             []IfaceConfig   `yaml:"interfaces"`
	PHC                    string          `yaml:"phc"` // empty means discipline the system clock
	DomainNumber           uint8           `yaml:"domainnumber"`
	Priority1              uint8           `yaml:"priority1"`
	Priority2              uint8           `yaml:"priority2"`
	SlaveOnly              bool            `yaml:"slaveonly"`
	FilterLength           int             `yaml:"filterlength"` // path delay moving average window
	AnnounceReceiptTimeout int             `yaml:"announcereceipttimeout"`
	LogAnnounceInterval    ptp.LogInterval `yaml:"logannounceinterval"`
	LogSyncInterval        ptp.LogInterval `yaml:"logsyncinterval"`
	LogMinDelayReqInterval ptp.LogInterval `yaml:"logmindelayreqinterval"`
	MonitoringPort         int             `yaml:"monitoringport"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		DomainNumber:           0,
		Priority1:              128,
		Priority2:              128,
		FilterLength:           10,
		AnnounceReceiptTimeout: 3,
		LogAnnounceInterval:    1,
		LogSyncInterval:        0,
		LogMinDelayReqInterval: 0,
		MonitoringPort:         4269,
	}
}

// ReadConfig reads a yaml config on top of the defaults
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cData, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate config is sane
func (c *Config) Validate() error {
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("at least one interface must be specified")
	}
	for _, iface := range c.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("interface name must be specified")
		}
		if iface.Timestamping != timestamp.SW && iface.Timestamping != timestamp.HW {
			return fmt.Errorf("only %q and %q timestamping is supported", timestamp.HW, timestamp.SW)
		}
	}
	if c.FilterLength <= 0 {
		return fmt.Errorf("filterlength must be greater than zero")
	}
	if c.AnnounceReceiptTimeout < 2 {
		return fmt.Errorf("announcereceipttimeout must be at least 2")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoringport must be 0 or positive")
	}
	for name, li := range map[string]ptp.LogInterval{
		"logannounceinterval":    c.LogAnnounceInterval,
		"logsyncinterval":        c.LogSyncInterval,
		"logmindelayreqinterval": c.LogMinDelayReqInterval,
	} {
		if li < minLogInterval || li > maxLogInterval {
			return fmt.Errorf("%s must be between %d and %d", name, minLogInterval, maxLogInterval)
		}
	}
	return nil
}

// SoftwareTimestamping reports whether any port runs with software
// timestamps, which relaxes the servo tuning
func (c *Config) SoftwareTimestamping() bool {
	for _, iface := range c.Interfaces {
		if iface.Timestamping == timestamp.SW {
			return true
		}
	}
	return false
}
