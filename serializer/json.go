package serializer

import (
	"encoding/json"

	"github.com/fluxmq/fluxproxy/errors"
)

// JSONSerializer encodes messages as JSON. The request factory supplies a zero value of
// the expected request type, so the handler receives a typed pointer rather than a
// map[string]interface{}.
type JSONSerializer struct {
	requestFactory func() interface{}
}

func NewJSONSerializer(requestFactory func() interface{}) *JSONSerializer {
	return &JSONSerializer{requestFactory: requestFactory}
}

func (s *JSONSerializer) ID() string {
	return "json"
}

func (s *JSONSerializer) Serialize(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	return data, errors.WithStack(err)
}

func (s *JSONSerializer) Deserialize(data []byte) (interface{}, error) {
	req := s.requestFactory()
	if err := json.Unmarshal(data, req); err != nil {
		return nil, errors.WithStack(err)
	}
	return req, nil
}
