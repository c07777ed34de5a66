package logger

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/tda-collector/internal/config"
)

const (
	lokiPushPath     = "/loki/api/v1/push"
	lokiPushTimeout  = 5 * time.Second
	lokiDefaultBatch = 100
	lokiDefaultFlush = 2 * time.Second
)

// NormalizeLokiURL appends the push path unless the URL already points at a Loki or
// Prometheus push API.
func NormalizeLokiURL(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return ""
	}
	lowered := strings.ToLower(cleaned)
	if strings.Contains(lowered, "/loki/api/") || strings.Contains(lowered, "/api/prom/push") {
		return cleaned
	}
	return strings.TrimRight(cleaned, "/") + lokiPushPath
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

// LokiWriter batches log lines and pushes them to Loki as a single stream. Write never
// blocks on the network; a background loop flushes full batches and, periodically,
// partial ones. Push failures are reported to the error writer and the batch dropped.
type LokiWriter struct {
	url      string
	username string
	password string
	tags     map[string]string
	client   *http.Client
	errOut   io.Writer

	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	pending [][2]string
	closed  bool

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLokiWriter starts a writer pushing to cfg.URL with the given stream tags.
func NewLokiWriter(cfg config.LokiConfig, tags map[string]string, errOut io.Writer) *LokiWriter {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = lokiDefaultBatch
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = lokiDefaultFlush
	}
	if errOut == nil {
		errOut = io.Discard
	}

	w := &LokiWriter{
		url:       NormalizeLokiURL(cfg.URL),
		username:  cfg.Username,
		password:  cfg.Password,
		tags:      tags,
		client:    &http.Client{Transport: transport, Timeout: lokiPushTimeout},
		errOut:    errOut,
		batchSize: batch,
		interval:  interval,
		flushCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()
	return w
}

// URL returns the normalized push URL.
func (w *LokiWriter) URL() string {
	return w.url
}

// Write queues one log line. slog handlers call Write once per record.
func (w *LokiWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, fmt.Errorf("loki writer is closed")
	}
	w.pending = append(w.pending, [2]string{ts, line})
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

func (w *LokiWriter) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush(context.Background())
		case <-w.flushCh:
			w.flush(context.Background())
		case <-w.done:
			w.flush(context.Background())
			return
		}
	}
}

func (w *LokiWriter) flush(ctx context.Context) {
	w.mu.Lock()
	values := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(values) == 0 {
		return
	}

	status, body, err := w.push(ctx, values)
	if err != nil {
		fmt.Fprintf(w.errOut, "[loki] push of %d lines failed: %v\n", len(values), err)
		return
	}
	if status/100 != 2 {
		fmt.Fprintf(w.errOut, "[loki] push of %d lines rejected: status=%d body=%q\n", len(values), status, body)
	}
}

func (w *LokiWriter) push(ctx context.Context, values [][2]string) (int, string, error) {
	payload, err := json.Marshal(lokiPush{Streams: []lokiStream{{Stream: w.tags, Values: values}}})
	if err != nil {
		return 0, "", fmt.Errorf("failed to encode push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.username != "" || w.password != "" {
		req.SetBasicAuth(w.username, w.password)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, string(body), nil
}

// Probe pushes a single debug_ping line and reports anything other than 204 to the
// error writer. It helps pin down credential problems at startup.
func (w *LokiWriter) Probe(ctx context.Context) {
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	status, body, err := w.push(ctx, [][2]string{{ts, "debug_ping"}})
	if err != nil {
		fmt.Fprintf(w.errOut, "[loki-debug] request failed: %v\n", err)
		return
	}
	if status != http.StatusNoContent {
		fmt.Fprintf(w.errOut, "[loki-debug] status=%d body=%q url=%s user=%s\n",
			status, body, w.url, previewUser(w.username))
	}
}

func previewUser(username string) string {
	if len(username) > 4 {
		return username[:4] + "..."
	}
	return username
}

// Close flushes pending lines and stops the background loop.
func (w *LokiWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	return nil
}
