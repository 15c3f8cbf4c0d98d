package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"

	"github.com/llmadapter/coordinator/pkg/httpclient"
	"github.com/llmadapter/coordinator/pkg/plugins"
)

// invokeCommand runs a subprocess route: arguments go in as one JSON object
// on stdin, the result comes back on stdout. Non-JSON output is returned as
// plain text.
func invokeCommand(ctx context.Context, invoke plugins.RouteInvoke, name string, args map[string]any) (any, error) {
	input, err := json.Marshal(map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, invoke.Command, invoke.Args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool %s: %w", name, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("tool %s: command failed: %s", name, msg)
	}

	return decodeResult(stdout.Bytes()), nil
}

var toolHTTPClient = httpclient.New()

// invokeHTTP posts the call to a remote executor.
func invokeHTTP(ctx context.Context, invoke plugins.RouteInvoke, name string, args map[string]any) (any, error) {
	body, err := json.Marshal(map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, invoke.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range invoke.Headers {
		req.Header.Set(key, value)
	}

	resp, err := toolHTTPClient.Do(req)
	if err != nil {
		// A 429 comes back with a response attached; release it.
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("tool %s: request failed: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool %s: executor returned status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return decodeResult(raw), nil
}

func decodeResult(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return string(trimmed)
	}
	return v
}
