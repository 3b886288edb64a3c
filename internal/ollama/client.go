// ABOUTME: Ollama API client that sends model metadata and generation calls through the dispatcher
// ABOUTME: Collects the newline-delimited generation stream into one text and continuation context

package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/ollama-relay/internal/backend"
)

// API paths on every backend.
const (
	PathShow     = "/api/show"
	PathGenerate = "/api/generate"
)

// ErrGenerationFailed indicates the backend reported an error inside the stream.
var ErrGenerationFailed = errors.New("generation failed")

// MalformedResponseError indicates a backend response could not be decoded.
type MalformedResponseError struct {
	Path string
	Line int // 1-based stream line, zero for whole-body responses
	Err  error
}

func (e *MalformedResponseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed response from %s (line %d): %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("malformed response from %s: %v", e.Path, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// Dispatcher runs a request on some backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, method, path string, payload any) (*backend.Result, error)
}

// Client talks to a pool of Ollama servers.
type Client struct {
	dispatcher Dispatcher
	logger     *slog.Logger

	// shows collapses concurrent lookups of the same model into one request.
	shows singleflight.Group
}

// New creates a Client that routes every call through dispatcher.
func New(dispatcher Dispatcher, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		dispatcher: dispatcher,
		logger:     logger.With("component", "ollama"),
	}
}

// ModelInfo is the subset of /api/show the relay uses.
type ModelInfo struct {
	System     string       `json:"system"`
	Template   string       `json:"template"`
	Parameters string       `json:"parameters"`
	Details    ModelDetails `json:"details"`
}

// ModelDetails describes the model weights.
type ModelDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

type showRequest struct {
	Name string `json:"name"`
}

// Show fetches metadata for model. Concurrent calls for the same model
// share one backend request and receive copies of its result.
func (c *Client) Show(ctx context.Context, model string) (*ModelInfo, error) {
	v, err, shared := c.shows.Do(model, func() (any, error) {
		return c.show(ctx, model)
	})
	if err != nil {
		return nil, err
	}

	info := *v.(*ModelInfo)
	if shared {
		c.logger.Debug("model info shared with concurrent caller", "model", model)
	}
	return &info, nil
}

func (c *Client) show(ctx context.Context, model string) (*ModelInfo, error) {
	result, err := c.dispatcher.Dispatch(ctx, http.MethodPost, PathShow, showRequest{Name: model})
	if err != nil {
		return nil, fmt.Errorf("show %s: %w", model, err)
	}

	info, err := parseModelInfo(result.Body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("model info fetched",
		"model", model,
		"endpoint", result.Endpoint,
		"family", info.Details.Family,
		"has_system", info.System != "",
	)
	return info, nil
}

// parseModelInfo accepts a JSON object, or a JSON string that holds one.
func parseModelInfo(body []byte) (*ModelInfo, error) {
	data := bytes.TrimSpace(body)

	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, &MalformedResponseError{Path: PathShow, Err: err}
		}
		data = bytes.TrimSpace([]byte(inner))
	}

	if len(data) == 0 || data[0] != '{' {
		return nil, &MalformedResponseError{
			Path: PathShow,
			Err:  errors.New("model info is neither an object nor a string"),
		}
	}

	var info ModelInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, &MalformedResponseError{Path: PathShow, Err: err}
	}
	return &info, nil
}

// GenerateRequest is the body of /api/generate.
type GenerateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
}

// GenerateResult is a fully collected generation.
type GenerateResult struct {
	Text            string
	Context         json.RawMessage // continuation state from the final line, nil if none
	Endpoint        string
	Done            bool
	PromptEvalCount int
	EvalCount       int
	TotalDuration   time.Duration
}

type generateLine struct {
	Response        *string         `json:"response"`
	Done            bool            `json:"done"`
	Context         json.RawMessage `json:"context"`
	PromptEvalCount int             `json:"prompt_eval_count"`
	EvalCount       int             `json:"eval_count"`
	TotalDuration   int64           `json:"total_duration"`
	Error           string          `json:"error"`
}

// Generate runs a generation and reduces its stream to a single result.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	result, err := c.dispatcher.Dispatch(ctx, http.MethodPost, PathGenerate, req)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", req.Model, err)
	}

	gen, err := reduceStream(result.Body)
	if err != nil {
		return nil, err
	}
	gen.Endpoint = result.Endpoint

	c.logger.Debug("generation collected",
		"model", req.Model,
		"endpoint", result.Endpoint,
		"continued", len(req.Context) > 0,
		"chars", len(gen.Text),
		"eval_count", gen.EvalCount,
	)
	return gen, nil
}

// reduceStream concatenates every response fragment and keeps the
// continuation state of the last completed line.
func reduceStream(body []byte) (*GenerateResult, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		text strings.Builder
		gen  GenerateResult
		n    int
	)
	for scanner.Scan() {
		n++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line generateLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, &MalformedResponseError{Path: PathGenerate, Line: n, Err: err}
		}
		if line.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, line.Error)
		}

		if line.Response != nil {
			text.WriteString(*line.Response)
		}
		if line.Done {
			gen.Done = true
			gen.Context = nil
			if len(line.Context) > 0 && string(line.Context) != "null" {
				gen.Context = append(json.RawMessage(nil), line.Context...)
			}
			gen.PromptEvalCount = line.PromptEvalCount
			gen.EvalCount = line.EvalCount
			gen.TotalDuration = time.Duration(line.TotalDuration)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &MalformedResponseError{Path: PathGenerate, Line: n + 1, Err: err}
	}

	gen.Text = text.String()
	return &gen, nil
}

// ComposeSystem joins the enabled system messages with a blank line.
// The model's own system message comes first.
func ComposeSystem(modelSystem, custom string, useModel, useCustom bool) string {
	var parts []string
	if useModel && strings.TrimSpace(modelSystem) != "" {
		parts = append(parts, modelSystem)
	}
	if useCustom && strings.TrimSpace(custom) != "" {
		parts = append(parts, custom)
	}
	return strings.Join(parts, "\n\n")
}
