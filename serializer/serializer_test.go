package serializer

import (
	"testing"

	"github.com/fluxmq/fluxproxy/errors"
	"github.com/stretchr/testify/require"
)

type testRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func TestRegistryLookup(t *testing.T) {
	reg, err := NewRegistry(
		NewJSONSerializer(func() interface{} { return &testRequest{} }),
		NewCBORSerializer(func() interface{} { return &testRequest{} }),
	)
	require.NoError(t, err)

	s, err := reg.Get("json")
	require.NoError(t, err)
	require.Equal(t, "json", s.ID())

	s, err = reg.Get("cbor")
	require.NoError(t, err)
	require.Equal(t, "cbor", s.ID())
}

func TestRegistryUnknownSerializer(t *testing.T) {
	reg, err := NewRegistry(NewJSONSerializer(func() interface{} { return &testRequest{} }))
	require.NoError(t, err)

	_, err = reg.Get("xml")
	require.Error(t, err)
	var perr errors.ProxyError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, errors.ErrorCode(errors.UnknownSerializer), perr.Code)
}

func TestRegistryRequiresSerializers(t *testing.T) {
	_, err := NewRegistry()
	require.Error(t, err)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(
		NewJSONSerializer(func() interface{} { return &testRequest{} }),
		NewJSONSerializer(func() interface{} { return &testRequest{} }),
	)
	require.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	s := NewJSONSerializer(func() interface{} { return &testRequest{} })
	testRoundTrip(t, s)
}

func TestCBORRoundTrip(t *testing.T) {
	s := NewCBORSerializer(func() interface{} { return &testRequest{} })
	testRoundTrip(t, s)
}

func testRoundTrip(t *testing.T, s Serializer) {
	t.Helper()
	req := &testRequest{Query: "select all the things", Limit: 23}
	data, err := s.Serialize(req)
	require.NoError(t, err)
	decoded, err := s.Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}
