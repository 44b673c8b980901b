package serializer

import (
	"github.com/fluxmq/fluxproxy/errors"
	"github.com/fxamacker/cbor/v2"
)

// CBORSerializer encodes messages as CBOR - a considerably more compact wire form than
// JSON for fragmented uploads.
type CBORSerializer struct {
	requestFactory func() interface{}
}

func NewCBORSerializer(requestFactory func() interface{}) *CBORSerializer {
	return &CBORSerializer{requestFactory: requestFactory}
}

func (s *CBORSerializer) ID() string {
	return "cbor"
}

func (s *CBORSerializer) Serialize(msg interface{}) ([]byte, error) {
	data, err := cbor.Marshal(msg)
	return data, errors.WithStack(err)
}

func (s *CBORSerializer) Deserialize(data []byte) (interface{}, error) {
	req := s.requestFactory()
	if err := cbor.Unmarshal(data, req); err != nil {
		return nil, errors.WithStack(err)
	}
	return req, nil
}
