// Package instancehttp speaks the admin API every runtime instance
// exposes, regardless of where the instance runs. The docker and
// kubernetes adapters embed it for the load/unload/health half of the
// runtime control interface.
package instancehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"faas-control/internal/core/instances"
)

type Client struct {
	http *http.Client
}

func New() *Client {
	return &Client{http: &http.Client{Timeout: 30 * time.Second}}
}

type loadRequest struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Hash    string `json:"hash"`
	Bundle  []byte `json:"bundle"`
}

// LoadFunction pushes one compiled function to the instance's admin
// endpoint. The instance verifies the hash before activating it.
func (c *Client) LoadFunction(ctx context.Context, addr string, spec instances.LoadSpec) error {
	body, err := json.Marshal(loadRequest{
		Name:    spec.FunctionName,
		Version: spec.Version,
		Hash:    spec.Hash,
		Bundle:  spec.Bundle,
	})
	if err != nil {
		return fmt.Errorf("marshal load request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/functions", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, "load function")
}

// Unload removes a function binding from the instance.
func (c *Client) Unload(ctx context.Context, addr, functionName string) error {
	url := fmt.Sprintf("http://%s/admin/functions/%s", addr, functionName)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("build unload request: %w", err)
	}
	return c.do(req, "unload function")
}

// HealthCheck probes the instance's liveness endpoint.
func (c *Client) HealthCheck(ctx context.Context, addr string) error {
	url := fmt.Sprintf("http://%s/healthz", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	return c.do(req, "health check")
}

func (c *Client) do(req *http.Request, op string) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: instance returned %s: %s", op, resp.Status, string(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
