package compute

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/keelframe/keel/internal/model"
	"github.com/keelframe/keel/internal/schedule"
)

// Bridge wire format: one batch request on stdin, one response on stdout.
// Tensor data travels base64-encoded.
type bridgeTensor struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
	Data     string  `json:"data"`
}

type bridgeRequest struct {
	ID      string         `json:"id"`
	Inputs  []bridgeTensor `json:"inputs"`
	Outputs []string       `json:"outputs,omitempty"`
}

type bridgeBatchRequest struct {
	Model        string          `json:"model"`
	ArtifactPath string          `json:"artifact_path"`
	RunnerIdx    int             `json:"runner_idx"`
	Requests     []bridgeRequest `json:"requests"`
}

type bridgeResult struct {
	ID      string         `json:"id"`
	Outputs []bridgeTensor `json:"outputs"`
	Error   string         `json:"error,omitempty"`
}

type bridgeBatchResponse struct {
	Results []bridgeResult `json:"results"`
	Error   string         `json:"error,omitempty"`
}

type bridgeExecFn func(ctx context.Context, command []string, req bridgeBatchRequest) (*bridgeBatchResponse, error)

// Injection point for tests; the default shells out to the bridge command.
var runBridgeBatch bridgeExecFn = defaultRunBridgeBatch

// BridgeEngine executes batches in an external runtime process speaking the
// JSON bridge protocol over stdin/stdout.
type BridgeEngine struct {
	cfg          *model.Config
	command      []string
	artifactPath string
	logger       *zap.Logger
}

func NewBridgeEngine(cfg *model.Config, command string, artifactPath string, logger *zap.Logger) (*BridgeEngine, error) {
	parts, err := parseBridgeCommand(command)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: bridge command is not configured", ErrEngineUnavailable)
	}
	resolved, err := resolveArtifactPath(artifactPath)
	if err != nil {
		return nil, err
	}
	return &BridgeEngine{
		cfg:          cfg,
		command:      parts,
		artifactPath: resolved,
		logger:       nopLogger(logger).With(zap.String("component", "bridge-engine")),
	}, nil
}

func (e *BridgeEngine) Name() string { return "bridge-" + filepath.Base(e.command[0]) }

func (e *BridgeEngine) InitRunner(_ context.Context, runnerIdx int) error {
	info, err := os.Stat(e.artifactPath)
	if err != nil {
		return fmt.Errorf("%w: failed to stat artifact %q: %w", ErrEngineUnavailable, e.artifactPath, err)
	}
	if info.IsDir() || info.Size() <= 0 {
		return fmt.Errorf("%w: artifact %q is not a usable file", ErrEngineUnavailable, e.artifactPath)
	}
	e.logger.Debug("runner_initialized", zap.Int("runner", runnerIdx), zap.String("artifact", e.artifactPath))
	return nil
}

func (e *BridgeEngine) Execute(ctx context.Context, runnerIdx int, batch *schedule.Batch) error {
	req := bridgeBatchRequest{
		Model:        e.cfg.Name,
		ArtifactPath: e.artifactPath,
		RunnerIdx:    runnerIdx,
		Requests:     make([]bridgeRequest, 0, len(batch.Payloads)),
	}
	for _, p := range batch.Payloads {
		req.Requests = append(req.Requests, encodeBridgeRequest(p.Request()))
	}

	resp, err := runBridgeBatch(ctx, e.command, req)
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp.Error) != "" {
		return fmt.Errorf("%w: bridge runtime error: %s", ErrEngineExec, strings.TrimSpace(resp.Error))
	}

	byID := make(map[string]bridgeResult, len(resp.Results))
	for _, result := range resp.Results {
		byID[result.ID] = result
	}
	for _, p := range batch.Payloads {
		result, ok := byID[p.Request().ID]
		if !ok {
			p.SetError(fmt.Errorf("%w: bridge response missing id=%q", ErrEngineProtocol, p.Request().ID))
			continue
		}
		if strings.TrimSpace(result.Error) != "" {
			p.SetError(fmt.Errorf("%w: %s", ErrEngineExec, strings.TrimSpace(result.Error)))
			continue
		}
		outputs, decodeErr := decodeBridgeOutputs(result.Outputs)
		if decodeErr != nil {
			p.SetError(fmt.Errorf("%w: %w", ErrEngineProtocol, decodeErr))
			continue
		}
		p.SetResponse(&model.InferenceResponse{ID: p.Request().ID, Outputs: outputs})
	}
	return nil
}

func (e *BridgeEngine) PeekShape(p *schedule.Payload) string {
	return ShapeKey(e.cfg, p)
}

func (e *BridgeEngine) Close() error { return nil }

func encodeBridgeRequest(req *model.InferenceRequest) bridgeRequest {
	out := bridgeRequest{ID: req.ID, Outputs: req.Outputs}
	for _, tensor := range req.Inputs {
		out.Inputs = append(out.Inputs, bridgeTensor{
			Name:     tensor.Name,
			Datatype: tensor.Datatype,
			Shape:    tensor.Shape,
			Data:     base64.StdEncoding.EncodeToString(tensor.Data),
		})
	}
	return out
}

func decodeBridgeOutputs(tensors []bridgeTensor) ([]model.Tensor, error) {
	outputs := make([]model.Tensor, 0, len(tensors))
	for _, tensor := range tensors {
		raw, err := base64.StdEncoding.DecodeString(tensor.Data)
		if err != nil {
			return nil, fmt.Errorf("output %q: invalid base64 data: %w", tensor.Name, err)
		}
		outputs = append(outputs, model.Tensor{
			Name:     tensor.Name,
			Datatype: tensor.Datatype,
			Shape:    tensor.Shape,
			Data:     raw,
		})
	}
	return outputs, nil
}

func parseBridgeCommand(raw string) ([]string, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil, nil
	}
	parts := strings.Fields(clean)
	if len(parts) == 0 {
		return nil, fmt.Errorf("bridge command is empty")
	}
	return parts, nil
}

func resolveArtifactPath(value string) (string, error) {
	candidate := filepath.Clean(value)
	if candidate == "" || candidate == "." {
		return "", fmt.Errorf("artifact path is required")
	}
	absPath, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve artifact path %q: %w", candidate, err)
	}
	return absPath, nil
}

func defaultRunBridgeBatch(ctx context.Context, command []string, req bridgeBatchRequest) (*bridgeBatchResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode bridge request: %w", ErrEngineProtocol, err)
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		errText := strings.TrimSpace(stderr.String())
		var execErr *exec.Error
		var pathErr *os.PathError
		if errors.As(runErr, &execErr) || errors.As(runErr, &pathErr) {
			return nil, bridgeCommandError(ErrEngineUnavailable, runErr, errText)
		}
		return nil, bridgeCommandError(ErrEngineExec, runErr, errText)
	}
	var decoded bridgeBatchResponse
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return nil, fmt.Errorf("%w: failed to decode bridge response: %w", ErrEngineProtocol, err)
	}
	return &decoded, nil
}

func bridgeCommandError(kind error, cause error, stderr string) error {
	if stderr == "" {
		return fmt.Errorf("%w: bridge command failed: %w", kind, cause)
	}
	return fmt.Errorf("%w: bridge command failed: %w: %s", kind, cause, stderr)
}
