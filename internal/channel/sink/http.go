package sink

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/vmihailenco/msgpack/v5"

	"argusagent/internal/channel"
	"argusagent/internal/metric"
)

// HTTPConfig configures the remote-HTTP sink.
type HTTPConfig struct {
	Name     string
	URL      string
	Timeout  time.Duration
	Encoding Encoding
	Brotli   bool
	Headers  map[string]string
}

// Encoding selects the body serialization for the HTTP sink.
type Encoding int

const (
	// EncodingText is the shared EncodeText exposition-line format.
	EncodingText Encoding = iota
	// EncodingMsgpack serializes the batch as msgpack, for consumers that
	// prefer a typed binary wire format over line text.
	EncodingMsgpack
)

// HTTP posts batches to a remote collector endpoint.
type HTTP struct {
	name   string
	url    string
	enc    Encoding
	brotli bool
	headers map[string]string
	client *http.Client
}

// NewHTTP builds an HTTP sink from cfg.
func NewHTTP(cfg HTTPConfig) *HTTP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		name:    cfg.Name,
		url:     cfg.URL,
		enc:     cfg.Encoding,
		brotli:  cfg.Brotli,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Name() string { return h.name }

func (h *HTTP) Send(ctx context.Context, batch metric.Batch) error {
	var (
		body        []byte
		contentType string
		err         error
	)
	switch h.enc {
	case EncodingMsgpack:
		body, err = msgpack.Marshal(batch)
		contentType = "application/msgpack"
	default:
		body = channel.EncodeText(batch)
		contentType = "text/plain; version=0.0.4"
	}
	if err != nil {
		return fmt.Errorf("http sink %q: encode: %w", h.name, err)
	}

	var contentEncoding string
	if h.brotli {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		if _, err := bw.Write(body); err != nil {
			return fmt.Errorf("http sink %q: brotli: %w", h.name, err)
		}
		if err := bw.Close(); err != nil {
			return fmt.Errorf("http sink %q: brotli: %w", h.name, err)
		}
		body = buf.Bytes()
		contentEncoding = "br"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("http sink %q: %w", h.name, err)
	}
	req.Header.Set("Content-Type", contentType)
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http sink %q: %w", h.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http sink %q: remote returned %s", h.name, resp.Status)
	}
	return nil
}

func (h *HTTP) Close() error { return nil }
