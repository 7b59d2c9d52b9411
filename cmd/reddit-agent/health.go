package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/reddit-agent/internal/httpkit"
)

// healthDoc is the subset of GET /api/health the health command reads.
type healthDoc struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// runHealth queries a running server's health endpoint and returns an
// error unless the executor is healthy. With no base URL it targets
// the listen address from the config file.
func runHealth(ctx context.Context, stdout io.Writer, configPath, baseURL, outputFmt string) error {
	if baseURL == "" {
		cfg, _, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		host := cfg.Listen.Address
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		baseURL = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Listen.Port))
	}

	client := httpkit.NewClient(
		httpkit.WithTimeout(10*time.Second),
		httpkit.WithRetry(2, 500*time.Millisecond),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	httpkit.DrainAndClose(resp.Body, 1024)
	if err != nil {
		return fmt.Errorf("health: read body: %w", err)
	}

	var doc healthDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("health: decode body: %w", err)
	}

	if outputFmt == "json" {
		_, _ = stdout.Write(body)
	} else {
		fmt.Fprintln(stdout, doc.Status)
	}

	if doc.Status != "healthy" {
		return fmt.Errorf("executor %s: %s", doc.Status, doc.Error)
	}
	return nil
}
