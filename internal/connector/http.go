// Copyright 2025 James Ross
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
)

// redactedRequestHeaders are never forwarded into audit data; the request
// itself still carries them to the remote server.
var redactedRequestHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"x-api-key":     {},
}

// idempotentMethods are retried on transient failure; non-idempotent
// methods (POST, PATCH) are attempted exactly once.
var idempotentMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "OPTIONS": {}, "PUT": {}, "DELETE": {},
}

// HTTPConnector mediates outbound HTTP requests, enforcing the caller's
// host allowlist scope and retrying idempotent requests with backoff.
type HTTPConnector struct {
	Client *http.Client
}

func (c *HTTPConnector) Methods() []string { return []string{"http.fetch"} }

type httpFetchParams struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type httpFetchResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (c *HTTPConnector) Invoke(ctx context.Context, inv Invocation) (Streamed, error) {
	var p httpFetchParams
	if err := json.Unmarshal(inv.Params, &p); err != nil {
		return Streamed{}, fmt.Errorf("http.fetch: decode params: %w", err)
	}
	if p.Method == "" {
		p.Method = "GET"
	}
	if !hostAllowedForScope(inv.Scope.HostAllowlist, p.URL) {
		return Streamed{}, fmt.Errorf("http.fetch: host not in granted scope")
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	var result httpFetchResult
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, strings.NewReader(p.Body))
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		respBody := resp.Body
		if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
			gz, err := gzip.NewReader(respBody)
			if err != nil {
				return fmt.Errorf("http.fetch: gzip response: %w", err)
			}
			defer gz.Close()
			respBody = gz
		}
		body, err := io.ReadAll(io.LimitReader(respBody, 1<<20))
		if err != nil {
			return err
		}
		headers := map[string]string{}
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		result = httpFetchResult{Status: resp.StatusCode, Headers: headers, Body: string(body)}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("http.fetch: server error %d", resp.StatusCode)
		}
		return nil
	}

	if _, retryable := idempotentMethods[strings.ToUpper(p.Method)]; retryable {
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			return Streamed{}, fmt.Errorf("http.fetch: %w", err)
		}
	} else {
		if err := op(); err != nil {
			return Streamed{}, fmt.Errorf("http.fetch: %w", err)
		}
	}

	value, err := json.Marshal(result)
	if err != nil {
		return Streamed{}, err
	}
	return Streamed{Value: value}, nil
}

func hostAllowedForScope(allowlist []string, rawURL string) bool {
	if len(allowlist) == 0 {
		return false
	}
	host := extractHost(rawURL)
	for _, a := range allowlist {
		a = strings.ToLower(a)
		if a == host {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(host, a[1:]) {
			return true
		}
	}
	return false
}

func extractHost(rawURL string) string {
	i := strings.Index(rawURL, "://")
	if i < 0 {
		return strings.ToLower(rawURL)
	}
	rest := rawURL[i+3:]
	if j := strings.IndexAny(rest, "/:"); j >= 0 {
		rest = rest[:j]
	}
	return strings.ToLower(rest)
}

// redactHeaders returns a copy of headers with sensitive values masked.
// The connector itself does not call it; audit entries carry no headers.
func redactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, sensitive := redactedRequestHeaders[strings.ToLower(k)]; sensitive {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}
