// ABOUTME: End-to-end relay test against two fake Ollama servers.
// ABOUTME: Exercises the real dispatcher and client, including failover on a broken backend.

package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ollama-relay/internal/backend"
	"github.com/2389/ollama-relay/internal/conversation"
	"github.com/2389/ollama-relay/internal/ollama"
)

// fakeOllama serves /api/show and a streamed /api/generate. The first
// failGenerate generate calls answer 500.
type fakeOllama struct {
	server       *httptest.Server
	failGenerate int32
	generates    atomic.Int32

	mu       sync.Mutex
	contexts []json.RawMessage
}

func newFakeOllama(t *testing.T, failGenerate int32) *fakeOllama {
	t.Helper()
	f := &fakeOllama{failGenerate: failGenerate}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/show", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"system":"You are a relay test model."}`)
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		if f.generates.Add(1) <= f.failGenerate {
			http.Error(w, "model failed to load", http.StatusInternalServerError)
			return
		}

		var req ollama.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.contexts = append(f.contexts, req.Context)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"response":"hel","done":false}`+"\n")
		_, _ = io.WriteString(w, `{"response":"lo","done":false}`+"\n")
		_, _ = io.WriteString(w, `{"response":"","done":true,"context":"T1","prompt_eval_count":3,"eval_count":2}`+"\n")
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeOllama) ReceivedContexts() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.contexts...)
}

func TestRelay_EndToEndWithFailover(t *testing.T) {
	a := newFakeOllama(t, 1)
	b := newFakeOllama(t, 0)

	pool, err := backend.NewPool([]string{a.server.URL, b.server.URL})
	require.NoError(t, err)
	dispatcher := backend.NewDispatcher(pool, testLogger(), backend.WithPollInterval(10*time.Millisecond))
	client := ollama.New(dispatcher, testLogger())

	contexts := conversation.NewStore()
	messenger := &fakeMessenger{}
	ledger := &fakeLedger{}
	svc := New(Config{Model: "llama3", MaxMessageLength: 4000, UseModelSystemMessage: true},
		contexts, client, messenger, ledger, testLogger())

	ctx := context.Background()
	ids, err := svc.HandleMessage(ctx, msg("!room:example.org", "$q1", "say hello", ""))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	sent := messenger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Text)
	assert.Equal(t, "$q1", sent[0].InReplyTo)

	token, err := contexts.ResolveContext("!room:example.org", ids[0])
	require.NoError(t, err)
	assert.JSONEq(t, `"T1"`, string(token))

	require.Len(t, ledger.exchanges, 1)
	assert.Equal(t, 3, ledger.exchanges[0].PromptEvalCount)
	assert.Equal(t, 2, pool.Available(), "every backend is released after the exchange")

	// A reply to the delivered message sends T1 back to whichever backend answers.
	_, err = svc.HandleMessage(ctx, msg("!room:example.org", "$q2", "and again", ids[0]))
	require.NoError(t, err)

	received := append(a.ReceivedContexts(), b.ReceivedContexts()...)
	require.Len(t, received, 2)
	var continued int
	for _, c := range received {
		if len(c) > 0 {
			assert.JSONEq(t, `"T1"`, string(c))
			continued++
		}
	}
	assert.Equal(t, 1, continued, "only the second exchange carries context")
}

func TestRelay_EndToEndExhausted(t *testing.T) {
	a := newFakeOllama(t, 100)
	b := newFakeOllama(t, 100)

	pool, err := backend.NewPool([]string{a.server.URL, b.server.URL})
	require.NoError(t, err)
	dispatcher := backend.NewDispatcher(pool, testLogger(), backend.WithPollInterval(10*time.Millisecond))

	contexts := conversation.NewStore()
	messenger := &fakeMessenger{}
	svc := New(Config{Model: "llama3", MaxMessageLength: 4000}, contexts, ollama.New(dispatcher, testLogger()), messenger, nil, testLogger())

	_, err = svc.HandleMessage(context.Background(), msg("!room:example.org", "$q1", "hi", ""))
	require.ErrorIs(t, err, backend.ErrExhaustedBackends)

	var requestErr *backend.RequestError
	require.ErrorAs(t, err, &requestErr)
	assert.Equal(t, http.StatusInternalServerError, requestErr.StatusCode)

	assert.Empty(t, messenger.Sent())
	token, err := contexts.ResolveContext("!room:example.org", "")
	require.NoError(t, err)
	assert.Nil(t, token)
}
