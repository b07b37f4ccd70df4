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

package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"

	"github.com/caobinxin/linuxptp/clock"
	"github.com/caobinxin/linuxptp/config"
	ptp "github.com/caobinxin/linuxptp/protocol"
	"github.com/caobinxin/linuxptp/stats"
	log "github.com/sirupsen/logrus"

	_ "net/http/pprof"
)

// defaultDS derives the default dataset from the config: the clock
// identity comes from the MAC of the first interface, EUI-64 style.
func defaultDS(cfg *config.Config) (clock.DefaultDS, error) {
	iface, err := net.InterfaceByName(cfg.Interfaces[0].Name)
	if err != nil {
		return clock.DefaultDS{}, fmt.Errorf("looking up %s: %w", cfg.Interfaces[0].Name, err)
	}
	identity, err := ptp.NewClockIdentity(iface.HardwareAddr)
	if err != nil {
		return clock.DefaultDS{}, fmt.Errorf("deriving clock identity of %s: %w", cfg.Interfaces[0].Name, err)
	}
	class := ptp.ClockClassDefault
	if cfg.SlaveOnly {
		class = ptp.ClockClassSlaveOnly
	}
	return clock.DefaultDS{
		ClockIdentity: identity,
		ClockQuality: ptp.ClockQuality{
			ClockClass:              class,
			ClockAccuracy:           ptp.ClockAccuracyUnknown,
			OffsetScaledLogVariance: 0xffff,
		},
		Priority1:    cfg.Priority1,
		Priority2:    cfg.Priority2,
		DomainNumber: cfg.DomainNumber,
		SlaveOnly:    cfg.SlaveOnly,
	}, nil
}

func doWork(cfg *config.Config) error {
	st := stats.New()
	if cfg.MonitoringPort != 0 {
		go func() {
			if err := st.Start(cfg.MonitoringPort); err != nil {
				log.Errorf("failed to start monitoring server: %v", err)
			}
		}()
	}

	dds, err := defaultDS(cfg)
	if err != nil {
		return err
	}
	log.Infof("starting as clock %s in domain %d with %d port(s)", dds.ClockIdentity, dds.DomainNumber, len(cfg.Interfaces))

	c := clock.New()
	if err := c.Create(cfg, dds, st); err != nil {
		return err
	}
	defer c.Destroy()

	for {
		if err := c.Poll(); err != nil {
			return err
		}
	}
}

func main() {
	var (
		verboseFlag bool
		configFlag  string
		pprofFlag   string
	)

	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.StringVar(&configFlag, "config", "", "path to the config")
	flag.StringVar(&pprofFlag, "pprof", "", "Address to have the profiler listen on, disabled if empty.")

	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	if configFlag == "" {
		log.Fatal("-config is required")
	}
	cfg, err := config.ReadConfig(configFlag)
	if err != nil {
		log.Fatal(err)
	}

	if pprofFlag != "" {
		go func() {
			if err := http.ListenAndServe(pprofFlag, nil); err != nil {
				log.Errorf("Failed to start pprof. Err: %v", err)
			}
		}()
	}

	if err := doWork(cfg); err != nil {
		log.Fatal(err)
	}
}
