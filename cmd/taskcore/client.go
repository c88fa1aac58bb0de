package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const clientTimeout = 5 * time.Second

// gatewayClient talks to the control plane of a running `taskcore serve`.
type gatewayClient struct {
	base  string
	token string
	http  *http.Client
}

// addGatewayFlags registers --addr and --token on cmd and its children.
func addGatewayFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("addr", "", "gateway address (default: gateway.bind_addr from config)")
	cmd.PersistentFlags().String("token", "", "gateway API key (default: gateway.token from config)")
}

func newGatewayClient(cmd *cobra.Command) (*gatewayClient, error) {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	if addr == "" || token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = cfg.Gateway.BindAddr
		}
		if token == "" {
			token = cfg.Gateway.Token
			if token == "" && len(cfg.Gateway.Auth.Keys) > 0 {
				token = cfg.Gateway.Auth.Keys[0].Key
			}
		}
	}
	return &gatewayClient{base: baseURL(addr), token: token, http: &http.Client{Timeout: clientTimeout}}, nil
}

// baseURL accepts host:port or a full URL.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// do sends body as JSON and returns the status code and raw response body.
func (c *gatewayClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// apiError extracts the {"error": ...} message of a failed call.
func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("gateway: %s (HTTP %d)", e.Error, status)
	}
	return fmt.Errorf("gateway: HTTP %d", status)
}
