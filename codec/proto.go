package codec

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto stores V in protobuf binary form as a google.protobuf.Value.
// V goes through its JSON representation first, so json struct tags apply
// and no generated message types are needed.
// Numbers round-trip as float64.
type Proto[V any] struct{}

func (Proto[V]) Encode(v V) ([]byte, error) {
	j, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var pv structpb.Value
	if err := protojson.Unmarshal(j, &pv); err != nil {
		return nil, err
	}
	return proto.Marshal(&pv)
}

func (Proto[V]) Decode(b []byte) (V, error) {
	var v V
	var pv structpb.Value
	if err := proto.Unmarshal(b, &pv); err != nil {
		return v, err
	}
	j, err := protojson.Marshal(&pv)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(j, &v)
	return v, err
}
