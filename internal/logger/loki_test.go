package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/tda-collector/internal/config"
)

type lokiRecorder struct {
	mu       sync.Mutex
	pushes   []lokiPush
	paths    []string
	users    []string
	status   int
	response string
}

func (r *lokiRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)

		var push lokiPush
		require.NoError(t, json.Unmarshal(body, &push))
		user, _, _ := req.BasicAuth()

		r.mu.Lock()
		r.pushes = append(r.pushes, push)
		r.paths = append(r.paths, req.URL.Path)
		r.users = append(r.users, user)
		status := r.status
		r.mu.Unlock()

		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(r.response))
	}
}

func (r *lokiRecorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lines []string
	for _, push := range r.pushes {
		for _, stream := range push.Streams {
			for _, v := range stream.Values {
				lines = append(lines, v[1])
			}
		}
	}
	return lines
}

func TestNormalizeLokiURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "https://logs.example.com", want: "https://logs.example.com/loki/api/v1/push"},
		{in: "https://logs.example.com/", want: "https://logs.example.com/loki/api/v1/push"},
		{in: "https://logs.example.com/loki/api/v1/push", want: "https://logs.example.com/loki/api/v1/push"},
		{in: "https://logs.example.com/API/PROM/PUSH", want: "https://logs.example.com/API/PROM/PUSH"},
		{in: "   ", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeLokiURL(tt.in), tt.in)
	}
}

func TestLokiWriter_FlushOnClose(t *testing.T) {
	rec := &lokiRecorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	w := NewLokiWriter(config.LokiConfig{
		URL:           server.URL,
		Username:      "alice",
		Password:      "secret",
		BatchSize:     100,
		FlushInterval: time.Hour,
	}, map[string]string{"service": "svc", "environment": "dev"}, nil)

	_, err := w.Write([]byte("first\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.Equal(t, []string{"first", "second"}, rec.lines())
	require.Len(t, rec.pushes, 1)
	assert.Equal(t, "/loki/api/v1/push", rec.paths[0])
	assert.Equal(t, "alice", rec.users[0])
	assert.Equal(t, map[string]string{"service": "svc", "environment": "dev"}, rec.pushes[0].Streams[0].Stream)

	_, err = w.Write([]byte("late"))
	assert.Error(t, err)
}

func TestLokiWriter_FlushWhenBatchFull(t *testing.T) {
	rec := &lokiRecorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	w := NewLokiWriter(config.LokiConfig{URL: server.URL, BatchSize: 2, FlushInterval: time.Hour}, nil, nil)
	defer w.Close()

	_, _ = w.Write([]byte("a"))
	_, _ = w.Write([]byte("b"))

	assert.Eventually(t, func() bool { return len(rec.lines()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestLokiWriter_ReportsRejectedPush(t *testing.T) {
	rec := &lokiRecorder{status: http.StatusUnauthorized, response: "invalid credentials"}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	var errOut bytes.Buffer
	w := NewLokiWriter(config.LokiConfig{URL: server.URL, FlushInterval: time.Hour}, nil, &errOut)
	_, _ = w.Write([]byte("line"))
	require.NoError(t, w.Close())

	assert.Contains(t, errOut.String(), "status=401")
	assert.Contains(t, errOut.String(), "invalid credentials")
}

func TestLokiWriter_ProbeAgainstTLS(t *testing.T) {
	rec := &lokiRecorder{status: http.StatusForbidden}
	server := httptest.NewTLSServer(rec.handler(t))
	defer server.Close()

	var errOut bytes.Buffer
	w := NewLokiWriter(config.LokiConfig{
		URL:           server.URL,
		Username:      "longusername",
		Insecure:      true,
		FlushInterval: time.Hour,
	}, nil, &errOut)
	defer w.Close()

	w.Probe(t.Context())

	assert.Equal(t, []string{"debug_ping"}, rec.lines())
	assert.Contains(t, errOut.String(), "[loki-debug] status=403")
	assert.Contains(t, errOut.String(), "user=long...")
	assert.NotContains(t, errOut.String(), "longusername")
}

func TestLoggerManager_ShipsToLoki(t *testing.T) {
	rec := &lokiRecorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	cfg := config.DefaultLoggingConfig()
	cfg.Loki = config.LokiConfig{URL: server.URL, FlushInterval: time.Hour}

	var local bytes.Buffer
	lm, err := NewLoggerManager(cfg, "svc", "dev", WithOutput(&local))
	require.NoError(t, err)
	require.NotNil(t, lm.Loki())

	lm.GetLogger().Info("shipped")
	require.NoError(t, lm.Close())

	assert.Contains(t, local.String(), "shipped")
	lines := rec.lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"shipped"`)
	assert.Equal(t, map[string]string{"service": "svc", "environment": "dev"}, rec.pushes[0].Streams[0].Stream)
}
