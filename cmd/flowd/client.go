package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bizportal/flowd/internal/httpapi"
	"github.com/bizportal/flowd/pkg/schema"
)

// apiClient calls the HTTP API of a running flowd.
type apiClient struct {
	base  string
	actor string
	http  *http.Client
}

func newAPIClient(base, actor string) *apiClient {
	return &apiClient{base: base, actor: actor, http: &http.Client{Timeout: 30 * time.Second}}
}

// do sends body and returns the raw JSON response. API errors come back as
// *schema.FlowError carrying the server's code.
func (c *apiClient) do(ctx context.Context, method, path, contentType string, body []byte) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.actor != "" {
		req.Header.Set(httpapi.ActorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			StepID  string `json:"step_id"`
		}
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Code == "" {
			return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return nil, schema.NewError(apiErr.Code, apiErr.Message).WithStep(apiErr.StepID)
	}
	return data, nil
}

func (c *apiClient) postJSON(ctx context.Context, path string, v any) (json.RawMessage, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, "application/json", body)
}

// printJSON writes raw indented.
func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, werr := w.Write(raw)
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
