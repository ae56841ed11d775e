package model

import (
	"fmt"
	"time"
)

const (
	FP32  = "FP32"
	INT32 = "INT32"
	INT64 = "INT64"
	BYTES = "BYTES"
)

// ValidDatatype reports whether dt is one of the supported wire datatypes.
func ValidDatatype(dt string) bool {
	switch dt {
	case FP32, INT32, INT64, BYTES:
		return true
	}
	return false
}

// DatatypeSize returns the fixed per-element byte size, or 0 for
// variable-length datatypes.
func DatatypeSize(dt string) int {
	switch dt {
	case FP32, INT32:
		return 4
	case INT64:
		return 8
	}
	return 0
}

// Tensor is one named tensor as it crosses the adapter boundary: raw bytes
// in row-major order, shape including the leading batch dimension.
type Tensor struct {
	Name     string
	Datatype string
	Shape    []int64
	Data     []byte
}

// ElementCount returns the product of the tensor's dimensions.
func (t Tensor) ElementCount() int64 {
	count := int64(1)
	for _, dim := range t.Shape {
		count *= dim
	}
	return count
}

// InferenceRequest is one caller-supplied execution unit. Priority 0 selects
// the model's default priority level; lower values are served first.
type InferenceRequest struct {
	ID           string
	BatchSize    int
	Priority     uint32
	QueueTimeout time.Duration
	Inputs       []Tensor
	// Outputs lists requested output names; empty requests every
	// configured output.
	Outputs []string
}

// Input returns the named input tensor from the request.
func (r *InferenceRequest) Input(name string) (Tensor, bool) {
	for _, t := range r.Inputs {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// InferenceResponse carries the per-request output tensors produced by one
// runner invocation.
type InferenceResponse struct {
	ID      string
	Outputs []Tensor
}

// ValidateRequest checks a request against the model configuration. Any
// error here is a synchronous validation failure: the request never enters
// the queue.
func (c *Config) ValidateRequest(req *InferenceRequest) error {
	if req == nil {
		return fmt.Errorf("request is nil")
	}
	if req.BatchSize <= 0 {
		return fmt.Errorf("request %q: batch size must be > 0", req.ID)
	}
	if req.BatchSize > c.MaxBatchSize {
		return fmt.Errorf(
			"request %q: batch size %d exceeds max_batch_size %d",
			req.ID, req.BatchSize, c.MaxBatchSize,
		)
	}
	if req.QueueTimeout < 0 {
		return fmt.Errorf("request %q: queue timeout must be >= 0", req.ID)
	}

	if len(req.Inputs) != len(c.Inputs) {
		return fmt.Errorf(
			"request %q: expected %d inputs, got %d",
			req.ID, len(c.Inputs), len(req.Inputs),
		)
	}
	for _, tensor := range req.Inputs {
		spec, ok := c.Input(tensor.Name)
		if !ok {
			return fmt.Errorf("request %q: unknown input %q", req.ID, tensor.Name)
		}
		if err := checkTensor(spec, tensor, req.BatchSize); err != nil {
			return fmt.Errorf("request %q: %w", req.ID, err)
		}
	}
	for _, name := range req.Outputs {
		if _, ok := c.Output(name); !ok {
			return fmt.Errorf("request %q: unknown requested output %q", req.ID, name)
		}
	}
	return nil
}

func checkTensor(spec TensorSpec, tensor Tensor, batchSize int) error {
	if tensor.Datatype != spec.Datatype {
		return fmt.Errorf(
			"input %q: datatype %s does not match configured %s",
			tensor.Name, tensor.Datatype, spec.Datatype,
		)
	}
	if len(tensor.Shape) != len(spec.Shape)+1 {
		return fmt.Errorf(
			"input %q: expected %d dimensions including batch, got %d",
			tensor.Name, len(spec.Shape)+1, len(tensor.Shape),
		)
	}
	if tensor.Shape[0] != int64(batchSize) {
		return fmt.Errorf(
			"input %q: batch dimension %d does not match request batch size %d",
			tensor.Name, tensor.Shape[0], batchSize,
		)
	}
	for idx, dim := range spec.Shape {
		got := tensor.Shape[idx+1]
		if got <= 0 {
			return fmt.Errorf("input %q: invalid dimension %d", tensor.Name, got)
		}
		if dim != -1 && got != dim {
			return fmt.Errorf(
				"input %q: dimension %d is %d, configured %d",
				tensor.Name, idx+1, got, dim,
			)
		}
	}
	if size := DatatypeSize(tensor.Datatype); size > 0 {
		want := tensor.ElementCount() * int64(size)
		if int64(len(tensor.Data)) != want {
			return fmt.Errorf(
				"input %q: data is %d bytes, shape requires %d",
				tensor.Name, len(tensor.Data), want,
			)
		}
	}
	return nil
}
