package server

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/keelframe/keel/internal/model"
)

// JSON tensor codec for the infer endpoint. Numeric data travels as JSON
// arrays, BYTES as string arrays; internally tensors are raw little-endian
// bytes (BYTES elements are 4-byte-length-prefixed).

type inferTensorJSON struct {
	Name     string          `json:"name"`
	Datatype string          `json:"datatype"`
	Shape    []int64         `json:"shape"`
	Data     json.RawMessage `json:"data"`
}

type inferRequestJSON struct {
	ID        string            `json:"id,omitempty"`
	Priority  uint32            `json:"priority,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
	Inputs    []inferTensorJSON `json:"inputs"`
	Outputs   []struct {
		Name string `json:"name"`
	} `json:"outputs,omitempty"`
}

type outputTensorJSON struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
	Data     any     `json:"data"`
}

type inferResponseJSON struct {
	ID           string             `json:"id"`
	ModelName    string             `json:"model_name"`
	ModelVersion int64              `json:"model_version"`
	Outputs      []outputTensorJSON `json:"outputs"`
}

func decodeTensor(in inferTensorJSON) (model.Tensor, error) {
	tensor := model.Tensor{Name: in.Name, Datatype: in.Datatype, Shape: in.Shape}
	switch in.Datatype {
	case model.FP32:
		var values []float64
		if err := json.Unmarshal(in.Data, &values); err != nil {
			return model.Tensor{}, fmt.Errorf("input %q: %w", in.Name, err)
		}
		data := make([]byte, 4*len(values))
		for idx, v := range values {
			binary.LittleEndian.PutUint32(data[idx*4:], math.Float32bits(float32(v)))
		}
		tensor.Data = data
	case model.INT32:
		var values []int32
		if err := json.Unmarshal(in.Data, &values); err != nil {
			return model.Tensor{}, fmt.Errorf("input %q: %w", in.Name, err)
		}
		data := make([]byte, 4*len(values))
		for idx, v := range values {
			binary.LittleEndian.PutUint32(data[idx*4:], uint32(v))
		}
		tensor.Data = data
	case model.INT64:
		var values []int64
		if err := json.Unmarshal(in.Data, &values); err != nil {
			return model.Tensor{}, fmt.Errorf("input %q: %w", in.Name, err)
		}
		data := make([]byte, 8*len(values))
		for idx, v := range values {
			binary.LittleEndian.PutUint64(data[idx*8:], uint64(v))
		}
		tensor.Data = data
	case model.BYTES:
		var values []string
		if err := json.Unmarshal(in.Data, &values); err != nil {
			return model.Tensor{}, fmt.Errorf("input %q: %w", in.Name, err)
		}
		for _, v := range values {
			var length [4]byte
			binary.LittleEndian.PutUint32(length[:], uint32(len(v)))
			tensor.Data = append(tensor.Data, length[:]...)
			tensor.Data = append(tensor.Data, v...)
		}
	default:
		return model.Tensor{}, fmt.Errorf("input %q: unsupported datatype %q", in.Name, in.Datatype)
	}
	return tensor, nil
}

func encodeTensor(t model.Tensor) (outputTensorJSON, error) {
	out := outputTensorJSON{Name: t.Name, Datatype: t.Datatype, Shape: t.Shape}
	switch t.Datatype {
	case model.FP32:
		values := make([]float32, len(t.Data)/4)
		for idx := range values {
			values[idx] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[idx*4:]))
		}
		out.Data = values
	case model.INT32:
		values := make([]int32, len(t.Data)/4)
		for idx := range values {
			values[idx] = int32(binary.LittleEndian.Uint32(t.Data[idx*4:]))
		}
		out.Data = values
	case model.INT64:
		values := make([]int64, len(t.Data)/8)
		for idx := range values {
			values[idx] = int64(binary.LittleEndian.Uint64(t.Data[idx*8:]))
		}
		out.Data = values
	case model.BYTES:
		var values []string
		rest := t.Data
		for len(rest) >= 4 {
			length := binary.LittleEndian.Uint32(rest)
			rest = rest[4:]
			if uint32(len(rest)) < length {
				return outputTensorJSON{}, fmt.Errorf("output %q: truncated BYTES element", t.Name)
			}
			values = append(values, string(rest[:length]))
			rest = rest[length:]
		}
		if len(rest) != 0 {
			return outputTensorJSON{}, fmt.Errorf("output %q: trailing BYTES data", t.Name)
		}
		out.Data = values
	default:
		return outputTensorJSON{}, fmt.Errorf("output %q: unsupported datatype %q", t.Name, t.Datatype)
	}
	return out, nil
}
