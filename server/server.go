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

package server

import (
	"sync"

	"github.com/fluxmq/fluxproxy/broker"
	"github.com/fluxmq/fluxproxy/broker/fake"
	"github.com/fluxmq/fluxproxy/broker/kafka"
	"github.com/fluxmq/fluxproxy/conf"
	"github.com/fluxmq/fluxproxy/errors"
	"github.com/fluxmq/fluxproxy/lifecycle"
	log "github.com/fluxmq/fluxproxy/logger"
	"github.com/fluxmq/fluxproxy/metrics"
	"github.com/fluxmq/fluxproxy/proxy"
	"github.com/fluxmq/fluxproxy/serializer"
)

type service interface {
	Start() error
	Stop() error
}

// Server assembles a request proxy with its broker connection, metrics endpoint and
// lifecycle endpoints.
type Server struct {
	cnf          conf.Config
	conn         broker.Connection
	requestProxy *proxy.RequestProxy
	lifeCycleMgr *lifecycle.Endpoints
	services     []service

	lock    sync.Mutex
	started bool
	stopped bool
}

func NewServer(config conf.Config, sink proxy.RequestSink, serializers *serializer.Registry) (*Server, error) {
	var factory broker.ConnectionFactory
	switch config.BrokerType {
	case conf.BrokerTypeFake:
		factory = fake.NewConnectionFactory(fake.NewBroker())
	case conf.BrokerTypeKafka:
		factory = kafka.NewConnectionFactory()
	default:
		return nil, errors.NewInvalidConfigurationError("unexpected broker-type: " + config.BrokerType)
	}
	return NewServerWithConnectionFactory(config, factory, sink, serializers)
}

func NewServerWithConnectionFactory(config conf.Config, factory broker.ConnectionFactory,
	sink proxy.RequestSink, serializers *serializer.Registry) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}
	conn, err := factory(config.ConnectionProperties)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	proxyMetrics := metrics.NewProxyMetrics()
	requestProxy, err := proxy.NewRequestProxy(config, conn, sink, serializers, proxyMetrics)
	if err != nil {
		return nil, err
	}
	lifeCycleMgr := lifecycle.NewLifecycleEndpoints(config)
	return &Server{
		cnf:          config,
		conn:         conn,
		requestProxy: requestProxy,
		lifeCycleMgr: lifeCycleMgr,
		services: []service{
			lifeCycleMgr,
			metrics.NewServer(config, proxyMetrics),
			requestProxy,
		},
	}, nil
}

// Proxy exposes the request proxy, e.g. for registering listeners or reading metrics.
func (s *Server) Proxy() *proxy.RequestProxy {
	return s.requestProxy
}

func (s *Server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		panic("server cannot be restarted")
	}
	if s.started {
		return nil
	}
	for _, serv := range s.services {
		if err := serv.Start(); err != nil {
			return errors.WithStack(err)
		}
	}
	s.lifeCycleMgr.SetActive(true)
	s.started = true
	log.Infof("fluxproxy server started, listening on destination %s", s.cnf.DestinationName)
	return nil
}

func (s *Server) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped || !s.started {
		return nil
	}
	s.lifeCycleMgr.SetActive(false)
	for i := len(s.services) - 1; i >= 0; i-- {
		if err := s.services[i].Stop(); err != nil {
			return errors.WithStack(err)
		}
	}
	if err := s.conn.Close(); err != nil {
		log.Warnf("failed to close broker connection %v", err)
	}
	s.stopped = true
	log.Infof("fluxproxy server stopped")
	return nil
}
