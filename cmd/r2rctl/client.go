package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var newHTTPClient = func(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

type gatewayClient struct {
	BaseURL string
	HTTP    *http.Client
}

type apiError struct {
	Status int
	Code   string
	Body   string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Body)
}

func newGatewayClient(opts *rootOptions) (*gatewayClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.Gateway), "/")
	if base == "" {
		return nil, errors.New("gateway url required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("gateway url: %w", err)
	}
	return &gatewayClient{BaseURL: base, HTTP: newHTTPClient(opts.Timeout)}, nil
}

func (c *gatewayClient) ListIncidents(ctx context.Context, limit int) (json.RawMessage, error) {
	path := "/incidents"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Incidents json.RawMessage `json:"incidents"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Incidents, nil
}

func (c *gatewayClient) GetIncident(ctx context.Context, id string) (json.RawMessage, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("incident id required")
	}
	var out json.RawMessage
	if err := c.get(ctx, "/incidents/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *gatewayClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &payload)
		return &apiError{Status: resp.StatusCode, Code: payload.Error, Body: strings.TrimSpace(string(body))}
	}
	return json.Unmarshal(body, out)
}
