// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "BPAGENT"

type Config struct {
	Node      NodeConfig       `mapstructure:"node"`
	Store     StoreConfig      `mapstructure:"store"`
	Acq       AcqConfig        `mapstructure:"acq"`
	Log       LogConfig        `mapstructure:"log"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Schemes   []SchemeConfig   `mapstructure:"schemes"`
	Endpoints []EndpointConfig `mapstructure:"endpoints"`
	Protocols []ProtocolConfig `mapstructure:"protocols"`
	Inducts   []DuctConfig     `mapstructure:"inducts"`
	Outducts  []DuctConfig     `mapstructure:"outducts"`
	Routes    []RouteConfig    `mapstructure:"routes"`
}

type NodeConfig struct {
	Number           uint64        `mapstructure:"number"`
	OccupancyCeiling int64         `mapstructure:"occupancy-ceiling"`
	CustodyTimeout   time.Duration `mapstructure:"custody-timeout"`
	TransmitTimeout  time.Duration `mapstructure:"transmit-timeout"`
	SnubTTL          time.Duration `mapstructure:"snub-ttl"`
}

type StoreConfig struct {
	// Path is the journal directory. The store keeps no journal when empty
	Path      string `mapstructure:"path"`
	HeapLimit int64  `mapstructure:"heap-limit"`
}

type AcqConfig struct {
	Dir       string `mapstructure:"dir"`
	MaxInHeap int64  `mapstructure:"max-in-heap"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File enables size-rotated logging to a file instead of stderr
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max-size-mb"`
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAgeDays int    `mapstructure:"max-age-days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type SchemeConfig struct {
	Name      string `mapstructure:"name"`
	Custodian string `mapstructure:"custodian"`
}

type EndpointConfig struct {
	EID string `mapstructure:"eid"`
	// RecvRule is "enqueue" or "discard"
	RecvRule string `mapstructure:"recv-rule"`
	// Log attaches a sink that logs and drops every delivery
	Log bool `mapstructure:"log"`
}

type ProtocolConfig struct {
	Name                 string `mapstructure:"name"`
	PayloadBytesPerFrame int64  `mapstructure:"payload-bytes-per-frame"`
	OverheadPerFrame     int64  `mapstructure:"overhead-per-frame"`
	NominalRate          int64  `mapstructure:"nominal-rate"`
}

type DuctConfig struct {
	Protocol string `mapstructure:"protocol"`
	Name     string `mapstructure:"name"`
	// Rate overrides the protocol's nominal rate on outducts
	Rate int64 `mapstructure:"rate"`
}

type RouteConfig struct {
	// DestNode 0 is the default route
	DestNode     uint64 `mapstructure:"dest-node"`
	Outduct      string `mapstructure:"outduct"`
	DestDuctName string `mapstructure:"dest-duct-name"`
	Proxy        string `mapstructure:"proxy"`
	ForwardTo    string `mapstructure:"forward-to"`
}

var defaults = map[string]any{
	"node.number":            0,
	"node.occupancy-ceiling": 0,
	"node.custody-timeout":   "0s",
	"node.transmit-timeout":  "0s",
	"node.snub-ttl":          "5m",
	"store.path":             "",
	"store.heap-limit":       0,
	"acq.dir":                "",
	"acq.max-in-heap":        0,
	"log.level":              "info",
	"log.format":             "text",
	"log.file":               "",
	"log.max-size-mb":        100,
	"log.max-backups":        3,
	"log.max-age-days":       0,
	"log.compress":           false,
	"metrics.listen":         "",
}

// loadConfig reads the config file, if any, and applies BPAGENT_
// environment overrides such as BPAGENT_NODE_NUMBER
func loadConfig(v *viper.Viper, configFile string) (*Config, error) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Schemes) == 0 {
		c.Schemes = []SchemeConfig{{Name: "ipn"}}
	}
	var errs []error
	for i, r := range c.Routes {
		if (r.Outduct == "") == (r.ForwardTo == "") {
			errs = append(errs, fmt.Errorf("route %d: exactly one of outduct and forward-to is required", i))
		}
	}
	for _, ep := range c.Endpoints {
		switch ep.RecvRule {
		case "", "enqueue", "discard":
		default:
			errs = append(errs, fmt.Errorf("endpoint %s: unknown receive rule %q", ep.EID, ep.RecvRule))
		}
	}
	for _, d := range append(append([]DuctConfig{}, c.Inducts...), c.Outducts...) {
		if d.Protocol == loopbackProtocol {
			errs = append(errs, fmt.Errorf("duct %s: protocol %s is reserved", d.Name, loopbackProtocol))
		}
	}
	return errors.Join(errs...)
}
