// ABOUTME: Tests for the Ollama client
// ABOUTME: Covers model info decoding, stream reduction, and system message composition

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ollama-relay/internal/backend"
)

// mockDispatcher returns canned bodies keyed by path.
type mockDispatcher struct {
	bodies   map[string]string
	err      error
	payloads map[string]any
}

func (m *mockDispatcher) Dispatch(ctx context.Context, method, path string, payload any) (*backend.Result, error) {
	if m.payloads == nil {
		m.payloads = make(map[string]any)
	}
	m.payloads[path] = payload
	if m.err != nil {
		return nil, m.err
	}
	return &backend.Result{Endpoint: "http://gpu-1:11434", StatusCode: 200, Body: []byte(m.bodies[path])}, nil
}

func newTestClient(m *mockDispatcher) *Client {
	return New(m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestShow_Object(t *testing.T) {
	m := &mockDispatcher{bodies: map[string]string{
		PathShow: `{"system":"You are terse.","template":"{{ .Prompt }}","details":{"family":"llama","parameter_size":"8B"}}`,
	}}
	c := newTestClient(m)

	info, err := c.Show(context.Background(), "llama3")
	require.NoError(t, err)
	assert.Equal(t, "You are terse.", info.System)
	assert.Equal(t, "llama", info.Details.Family)
	assert.Equal(t, showRequest{Name: "llama3"}, m.payloads[PathShow])
}

func TestShow_StringWrappedObject(t *testing.T) {
	m := &mockDispatcher{bodies: map[string]string{
		PathShow: `"{\"system\":\"wrapped\"}"`,
	}}

	info, err := newTestClient(m).Show(context.Background(), "llama3")
	require.NoError(t, err)
	assert.Equal(t, "wrapped", info.System)
}

func TestShow_Malformed(t *testing.T) {
	for _, body := range []string{``, `42`, `[1,2]`, `"just text"`, `{"system":`} {
		t.Run(body, func(t *testing.T) {
			m := &mockDispatcher{bodies: map[string]string{PathShow: body}}
			_, err := newTestClient(m).Show(context.Background(), "llama3")

			var malformed *MalformedResponseError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, PathShow, malformed.Path)
		})
	}
}

func TestShow_DispatchErrorIsWrapped(t *testing.T) {
	m := &mockDispatcher{err: &backend.ExhaustedError{Attempts: 2, Last: errors.New("boom")}}
	_, err := newTestClient(m).Show(context.Background(), "llama3")
	assert.ErrorIs(t, err, backend.ErrExhaustedBackends)
}

// gatedDispatcher blocks every call until release is closed.
type gatedDispatcher struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDispatcher) Dispatch(ctx context.Context, method, path string, payload any) (*backend.Result, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	<-g.release
	return &backend.Result{Endpoint: "http://gpu-1:11434", StatusCode: 200, Body: []byte(`{"system":"shared"}`)}, nil
}

func TestShow_ConcurrentCallsShareOneRequest(t *testing.T) {
	g := &gatedDispatcher{entered: make(chan struct{}), release: make(chan struct{})}
	c := New(g, slog.New(slog.NewTextHandler(io.Discard, nil)))

	const callers = 8
	results := make(chan *ModelInfo, callers)
	var wg, started sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		started.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			info, err := c.Show(context.Background(), "llama3")
			assert.NoError(t, err)
			results <- info
		}()
	}

	started.Wait()
	<-g.entered
	// Give the other callers time to join the in-flight lookup.
	time.Sleep(20 * time.Millisecond)
	close(g.release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), g.calls.Load(), "concurrent lookups should collapse into one request")
	var seen []*ModelInfo
	for info := range results {
		require.NotNil(t, info)
		assert.Equal(t, "shared", info.System)
		for _, other := range seen {
			assert.NotSame(t, other, info, "callers get independent copies")
		}
		seen = append(seen, info)
	}
	assert.Len(t, seen, callers)

	_, err := c.Show(context.Background(), "llama3")
	require.NoError(t, err)
	assert.Equal(t, int32(2), g.calls.Load(), "finished lookups are not cached")
}

func TestGenerate_ReducesStream(t *testing.T) {
	stream := `{"response":"Hel","done":false}
{"response":"lo","done":false}

{"done":false}
{"response":" world","done":true,"context":[1,2,3],"prompt_eval_count":12,"eval_count":3,"total_duration":2500000000}
`
	m := &mockDispatcher{bodies: map[string]string{PathGenerate: stream}}
	c := newTestClient(m)

	req := GenerateRequest{
		Model:   "llama3",
		Prompt:  "hi",
		System:  "be nice",
		Context: json.RawMessage(`[9,9]`),
	}
	gen, err := c.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Hello world", gen.Text)
	assert.JSONEq(t, `[1,2,3]`, string(gen.Context))
	assert.True(t, gen.Done)
	assert.Equal(t, 12, gen.PromptEvalCount)
	assert.Equal(t, 3, gen.EvalCount)
	assert.Equal(t, 2500*time.Millisecond, gen.TotalDuration)
	assert.Equal(t, "http://gpu-1:11434", gen.Endpoint)
	assert.Equal(t, req, m.payloads[PathGenerate])
}

func TestGenerate_ContextFromLastDoneLine(t *testing.T) {
	stream := `{"response":"a","done":true,"context":[1]}
{"response":"b","done":true,"context":[2]}`
	m := &mockDispatcher{bodies: map[string]string{PathGenerate: stream}}

	gen, err := newTestClient(m).Generate(context.Background(), GenerateRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ab", gen.Text)
	assert.JSONEq(t, `[2]`, string(gen.Context))
}

func TestGenerate_NoDoneLine(t *testing.T) {
	m := &mockDispatcher{bodies: map[string]string{PathGenerate: `{"response":"partial","done":false}`}}

	gen, err := newTestClient(m).Generate(context.Background(), GenerateRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "partial", gen.Text)
	assert.False(t, gen.Done)
	assert.Nil(t, gen.Context)
}

func TestGenerate_MalformedLine(t *testing.T) {
	stream := "{\"response\":\"ok\",\"done\":false}\nnot json\n"
	m := &mockDispatcher{bodies: map[string]string{PathGenerate: stream}}

	_, err := newTestClient(m).Generate(context.Background(), GenerateRequest{Model: "m"})
	var malformed *MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, PathGenerate, malformed.Path)
	assert.Equal(t, 2, malformed.Line)
}

func TestGenerate_StreamError(t *testing.T) {
	m := &mockDispatcher{bodies: map[string]string{PathGenerate: `{"error":"model 'nope' not found"}`}}

	_, err := newTestClient(m).Generate(context.Background(), GenerateRequest{Model: "nope"})
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.Contains(t, err.Error(), "not found")
}

func TestGenerateRequest_OmitsEmptyOptionalFields(t *testing.T) {
	data, err := json.Marshal(GenerateRequest{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m","prompt":"p"}`, string(data))

	data, err = json.Marshal(GenerateRequest{Model: "m", Prompt: "p", System: "s", Context: json.RawMessage(`[1,2]`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m","prompt":"p","system":"s","context":[1,2]}`, string(data))
}

func TestComposeSystem(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		custom    string
		useModel  bool
		useCustom bool
		want      string
	}{
		{"both enabled", "model sys", "custom sys", true, true, "model sys\n\ncustom sys"},
		{"model only", "model sys", "custom sys", true, false, "model sys"},
		{"custom only", "model sys", "custom sys", false, true, "custom sys"},
		{"neither", "model sys", "custom sys", false, false, ""},
		{"blank model message skipped", "  ", "custom sys", true, true, "custom sys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComposeSystem(tt.model, tt.custom, tt.useModel, tt.useCustom))
		})
	}
}
