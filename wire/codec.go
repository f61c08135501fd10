package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts a message struct into a structpb payload via its JSON
// shape. Field names on the wire are the struct's JSON tags.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("message must encode to a JSON object: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build struct payload: %w", err)
	}
	return s, nil
}

// Decode fills a message struct from a structpb payload. Unknown fields
// are ignored; missing fields keep their zero values.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("nil payload")
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("marshal struct payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
