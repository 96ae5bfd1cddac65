package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/crypto"
)

// apiClient calls the escrow HTTP API, signing mutating requests.
type apiClient struct {
	baseURL string
	apiKey  string
	signer  *crypto.Signer
	http    *http.Client
	now     func() time.Time
}

func newAPIClient(baseURL string, signer *crypto.Signer) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		http:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
}

// do sends one request and returns the status and raw response body. body
// is JSON-encoded when non-nil. POST requests are signed when a signer is
// set; the operator API key is attached when configured.
func (c *apiClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if method == http.MethodPost && c.signer != nil {
		headers, err := c.signer.RequestHeaders(method, req.URL.Path, string(payload), c.now())
		if err != nil {
			return 0, nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
