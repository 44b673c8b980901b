package conf

import (
	"testing"
	"time"

	"github.com/fluxmq/fluxproxy/errors"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cnf := Config{}
	cnf.ApplyDefaults()
	cnf.DestinationName = "requests"
	return cnf
}

func TestValidConfig(t *testing.T) {
	cnf := validConfig()
	require.NoError(t, cnf.Validate())
}

func TestApplyDefaults(t *testing.T) {
	cnf := Config{}
	cnf.ApplyDefaults()
	require.Equal(t, DefaultMaxConcurrentCalls, cnf.MaxConcurrentCalls)
	require.Equal(t, DefaultMaxMessageSize, cnf.MaxMessageSize)
	require.Equal(t, DefaultShutdownTimeout, cnf.ShutdownTimeout)
	require.Equal(t, BrokerTypeFake, cnf.BrokerType)
}

func TestInvalidConfigs(t *testing.T) {
	invalidate := map[string]func(cnf *Config){
		"destination-name must be specified": func(cnf *Config) {
			cnf.DestinationName = ""
		},
		"max-concurrent-calls must be >= 1": func(cnf *Config) {
			cnf.MaxConcurrentCalls = -1
		},
		"max-message-size must be > 0": func(cnf *Config) {
			cnf.MaxMessageSize = -100
		},
		"shutdown-timeout must not be negative": func(cnf *Config) {
			cnf.ShutdownTimeout = -1 * time.Second
		},
		"broker-type must be one of 'fake' or 'kafka'": func(cnf *Config) {
			cnf.BrokerType = "rabbit"
		},
		"life-cycle-address must be specified when life cycle endpoint is enabled": func(cnf *Config) {
			cnf.LifeCycleEndpointEnabled = true
			cnf.LifeCycleAddress = ""
		},
	}
	for msg, f := range invalidate {
		cnf := validConfig()
		f(&cnf)
		err := cnf.Validate()
		require.Error(t, err)
		var perr errors.ProxyError
		require.True(t, errors.As(err, &perr))
		require.Equal(t, errors.ErrorCode(errors.InvalidConfiguration), perr.Code)
		require.Equal(t, "invalid configuration: "+msg, perr.Msg)
	}
}
