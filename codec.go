package peerrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Frame is an event addressed to a channel of a multiplexing transport.
type Frame struct {
	Channel string `json:"channel"`
	Event   Event  `json:"event"`
}

// Codec encodes frames for a byte-oriented transport.
type Codec interface {
	Marshal(Frame) ([]byte, error)
	Unmarshal([]byte) (Frame, error)
	// Binary reports whether encoded frames are binary rather than text.
	Binary() bool
}

// JSONCodec encodes frames as JSON text.
type JSONCodec struct{}

func (JSONCodec) Marshal(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (JSONCodec) Unmarshal(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func (JSONCodec) Binary() bool { return false }

// ProtoCodec encodes frames as a protobuf google.protobuf.Struct. The
// document is the JSON form of the frame, so both codecs carry the same
// values.
type ProtoCodec struct{}

func (ProtoCodec) Marshal(f Frame) ([]byte, error) {
	doc, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(doc, st); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return proto.Marshal(st)
}

func (ProtoCodec) Unmarshal(data []byte) (Frame, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	doc, err := protojson.Marshal(st)
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return JSONCodec{}.Unmarshal(doc)
}

func (ProtoCodec) Binary() bool { return true }
