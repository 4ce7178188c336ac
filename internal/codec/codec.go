// Package codec turns messages into bytes and back. The broker uses a codec
// for Get and the dead-letter sinks use one to persist rejected messages.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/actorq/pkg/types"
)

// ErrUnknownCodec is returned by ByName for an unregistered codec name.
var ErrUnknownCodec = errors.New("unknown codec")

// Codec encodes and decodes messages.
type Codec interface {
	Name() string
	Encode(msg *types.Message) ([]byte, error)
	Decode(data []byte) (*types.Message, error)
}

// ByName returns the codec registered under name ("json" or "proto"). An
// empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "proto", "protobuf":
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// ============================================================================
// JSON
// ============================================================================

// JSON is the default codec.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(msg *types.Message) ([]byte, error) {
	return msg.Encode()
}

func (JSON) Decode(data []byte) (*types.Message, error) {
	return types.DecodeMessage(data)
}

// ============================================================================
// Protobuf
// ============================================================================

// Proto encodes messages as a google.protobuf.Struct in binary wire format.
// Args and kwargs are arbitrary JSON-shaped values, so the message goes
// through its JSON form on the way in and out.
type Proto struct{}

func (Proto) Name() string { return "proto" }

func (Proto) Encode(msg *types.Message) ([]byte, error) {
	raw, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten message: %w", err)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}

	return proto.Marshal(s)
}

func (Proto) Decode(data []byte) (*types.Message, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	return types.DecodeMessage(raw)
}
