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

package serializer

import (
	"github.com/fluxmq/fluxproxy/errors"
)

// Serializer converts between domain message values and opaque byte buffers. The ID is
// carried in message headers and must be stable across versions.
type Serializer interface {
	ID() string
	Serialize(msg interface{}) ([]byte, error)
	// Deserialize decodes the buffer into a request value of the type this serializer
	// was constructed for.
	Deserialize(data []byte) (interface{}, error)
}

const maxSerializerIDLength = 32

// Registry maps serializer identifiers to serializers.
type Registry struct {
	serializers map[string]Serializer
}

func NewRegistry(serializers ...Serializer) (*Registry, error) {
	if len(serializers) == 0 {
		return nil, errors.NewInvalidConfigurationError("no serializers provided")
	}
	m := make(map[string]Serializer, len(serializers))
	for _, s := range serializers {
		id := s.ID()
		if id == "" || len(id) > maxSerializerIDLength {
			return nil, errors.NewInvalidConfigurationError("serializer id must be 1-32 bytes")
		}
		if _, ok := m[id]; ok {
			return nil, errors.NewInvalidConfigurationError("duplicate serializer id " + id)
		}
		m[id] = s
	}
	return &Registry{serializers: m}, nil
}

func (r *Registry) Get(id string) (Serializer, error) {
	s, ok := r.serializers[id]
	if !ok {
		return nil, errors.NewUnknownSerializerError(id)
	}
	return s, nil
}
