package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigureRejectsBadFormat(t *testing.T) {
	config := Config{
		Level:  "info",
		Format: "xml",
	}
	err := config.Configure()
	require.Error(t, err)
}

func TestConfigureRejectsBadLevel(t *testing.T) {
	config := Config{
		Level:  "loud",
		Format: "console",
	}
	err := config.Configure()
	require.Error(t, err)
}

func TestConfigureSetsDebugEnabled(t *testing.T) {
	config := Config{
		Level:  "debug",
		Format: "console",
	}
	err := config.Configure()
	require.NoError(t, err)
	require.True(t, DebugEnabled)

	config.Level = "info"
	err = config.Configure()
	require.NoError(t, err)
	require.False(t, DebugEnabled)
}

func TestLogAtAllLevels(t *testing.T) {
	config := Config{
		Level:  "debug",
		Format: "console",
	}
	err := config.Configure()
	require.NoError(t, err)

	Debug("debug 1", " debug 2")
	Debugf("debug %d debug %d", 1, 2)
	Info("info 1", " info 2")
	Infof("info %d info %d", 1, 2)
	Warn("warn 1", " warn 2")
	Warnf("warn %d warn %d", 1, 2)
	Error("error 1", " error 2")
	Errorf("error %d error %d", 1, 2)
}
