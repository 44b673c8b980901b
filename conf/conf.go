// Copyright 2024 The FluxMQ Authors
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

package conf

import (
	"time"

	"github.com/fluxmq/fluxproxy/errors"
)

const (
	DefaultMaxConcurrentCalls = 10
	DefaultMaxMessageSize     = 100 * 1024
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultPriority           = 1

	DefaultMetricsBind    = "localhost:9102"
	DefaultMetricsEnabled = false

	DefaultStartupEndpointPath = "/started"
	DefaultReadyEndpointPath   = "/readiness"
	DefaultLiveEndpointPath    = "/liveness"

	BrokerTypeFake  = "fake"
	BrokerTypeKafka = "kafka"
)

type Config struct {
	DestinationName string `help:"Broker destination the proxy listens on" name:"destination-name"`
	Priority        int    `help:"Send priority for response messages" name:"priority"`

	MaxConcurrentCalls int           `help:"Maximum number of requests executing concurrently" name:"max-concurrent-calls"`
	MaxMessageSize     int           `help:"Serialized size above which responses are fragmented" name:"max-message-size"`
	ShutdownTimeout    time.Duration `help:"Grace period for in-flight requests on stop" name:"shutdown-timeout"`

	BrokerType           string            `help:"Broker implementation to connect to" enum:"fake,kafka" default:"fake" name:"broker-type"`
	ConnectionProperties map[string]string `help:"Opaque properties passed to the broker adapter" name:"connection-properties"`

	MetricsBind    string `help:"Bind address for the prometheus endpoint" name:"metrics-bind"`
	MetricsEnabled bool   `help:"Whether the prometheus endpoint is enabled" name:"metrics-enabled"`

	LifeCycleEndpointEnabled bool   `name:"life-cycle-endpoint-enabled"`
	LifeCycleAddress         string `name:"life-cycle-address"`
	StartupEndpointPath      string `name:"startup-endpoint-path"`
	ReadyEndpointPath        string `name:"ready-endpoint-path"`
	LiveEndpointPath         string `name:"live-endpoint-path"`
}

func (c *Config) ApplyDefaults() {
	if c.MaxConcurrentCalls == 0 {
		c.MaxConcurrentCalls = DefaultMaxConcurrentCalls
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Priority == 0 {
		c.Priority = DefaultPriority
	}
	if c.BrokerType == "" {
		c.BrokerType = BrokerTypeFake
	}
	if c.MetricsBind == "" {
		c.MetricsBind = DefaultMetricsBind
	}
	if c.StartupEndpointPath == "" {
		c.StartupEndpointPath = DefaultStartupEndpointPath
	}
	if c.ReadyEndpointPath == "" {
		c.ReadyEndpointPath = DefaultReadyEndpointPath
	}
	if c.LiveEndpointPath == "" {
		c.LiveEndpointPath = DefaultLiveEndpointPath
	}
}

func (c *Config) Validate() error {
	if c.DestinationName == "" {
		return errors.NewInvalidConfigurationError("destination-name must be specified")
	}
	if c.MaxConcurrentCalls < 1 {
		return errors.NewInvalidConfigurationError("max-concurrent-calls must be >= 1")
	}
	if c.MaxMessageSize < 1 {
		return errors.NewInvalidConfigurationError("max-message-size must be > 0")
	}
	if c.ShutdownTimeout < 0 {
		return errors.NewInvalidConfigurationError("shutdown-timeout must not be negative")
	}
	if c.BrokerType != BrokerTypeFake && c.BrokerType != BrokerTypeKafka {
		return errors.NewInvalidConfigurationError("broker-type must be one of 'fake' or 'kafka'")
	}
	if c.LifeCycleEndpointEnabled && c.LifeCycleAddress == "" {
		return errors.NewInvalidConfigurationError("life-cycle-address must be specified when life cycle endpoint is enabled")
	}
	return nil
}
