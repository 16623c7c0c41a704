package remote

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype both ends negotiate
const codecName = "json"

// jsonCodec carries the entity store messages as JSON over gRPC. The
// messages are plain Go structs shared with the rest of the daemon.
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

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
