package remote

import (
	"encoding/json"
)

// codecName is sent as the content-subtype ("application/grpc+json").
const codecName = "json"

// jsonCodec carries Console messages as JSON. Both ends force it, so the
// service needs no generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}
