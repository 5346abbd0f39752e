// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	userAgent      = "fluxcb-webhook/1.0"
	defaultTimeout = 30 * time.Second
	maxDrain       = 64 << 10
)

// StatusError is returned when an endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned non-2xx status: %d", e.Code)
}

// Retryable reports whether the status is worth another attempt.
// Client errors other than timeouts and throttling are final.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 400 && e.Code < 500:
		return false
	default:
		return true
	}
}

// retryable reports whether a failed send should be retried.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// HTTPSenderOption configures an HTTPSender.
type HTTPSenderOption func(*HTTPSender)

// WithClient replaces the default HTTP client.
func WithClient(c *http.Client) HTTPSenderOption {
	return func(s *HTTPSender) {
		s.client = c
	}
}

// WithGzip compresses payloads of at least minSize bytes.
func WithGzip(minSize int) HTTPSenderOption {
	return func(s *HTTPSender) {
		s.gzip = true
		s.gzipMin = minSize
	}
}

// HTTPSender posts webhook payloads as JSON.
type HTTPSender struct {
	client  *http.Client
	gzip    bool
	gzipMin int
}

// NewHTTPSender creates a new HTTP webhook sender.
func NewHTTPSender(opts ...HTTPSenderOption) *HTTPSender {
	s := &HTTPSender{
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send posts the payload and expects a 2xx status. A positive timeout
// bounds the whole exchange.
func (s *HTTPSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, compressed, err := s.encode(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (s *HTTPSender) encode(payload []byte) ([]byte, bool, error) {
	if !s.gzip || len(payload) < s.gzipMin {
		return payload, false, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, false, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), true, nil
}
