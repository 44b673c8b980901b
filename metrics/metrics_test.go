package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	m := NewProxyMetrics()
	require.Equal(t, Snapshot{}, m.Snapshot())

	m.Request()
	m.Request()
	m.IncompatibleMessage()
	m.RequestTimeout()
	m.FragmentedUploadRequested()
	m.FragmentedUploadCompleted()
	m.Error()
	m.Error()
	m.Error()

	require.Equal(t, Snapshot{
		RequestsReceived:           2,
		IncompatibleMessages:       1,
		RequestTimeouts:            1,
		FragmentedUploadsRequested: 1,
		FragmentedUploadsCompleted: 1,
		Errors:                     3,
	}, m.Snapshot())
}

func TestInstancesAreIndependent(t *testing.T) {
	m1 := NewProxyMetrics()
	m2 := NewProxyMetrics()
	m1.Request()
	require.Equal(t, uint64(1), m1.Snapshot().RequestsReceived)
	require.Equal(t, uint64(0), m2.Snapshot().RequestsReceived)
}
