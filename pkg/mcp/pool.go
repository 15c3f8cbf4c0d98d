// Package mcp maintains the pool of subprocess tool-server sessions. Servers
// are spawned lazily over stdio and stay alive until the pool closes.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/llmadapter/coordinator/pkg/llms"
	"github.com/llmadapter/coordinator/pkg/logger"
	"github.com/llmadapter/coordinator/pkg/plugins"
)

// DefaultCallTimeout bounds one tools/call when the manifest sets none.
const DefaultCallTimeout = 30 * time.Second

const protocolVersion = "2024-11-05"

type sessionState int

const (
	stateDisconnected sessionState = iota
	stateConnected
	stateFailed
)

// Session is one live server connection with its tool catalog.
type Session struct {
	id       string
	manifest plugins.MCPServerManifest

	mu     sync.Mutex
	state  sessionState
	client *mcpclient.Client
	tools  []llms.ToolDefinition
	names  *nameMap
}

// Pool owns every session. Connects are idempotent; a failed session may be
// reconnected on the next attempt.
type Pool struct {
	catalog *plugins.Registry
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

type PoolOption func(*Pool)

func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

func NewPool(catalog *plugins.Registry, opts ...PoolOption) *Pool {
	p := &Pool{
		catalog:  catalog,
		logger:   logger.GetLogger(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) session(id string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[id]; ok {
		return s, nil
	}

	manifest, err := p.catalog.GetMCPServer(id)
	if err != nil {
		return nil, err
	}
	s := &Session{id: id, manifest: manifest, names: newNameMap()}
	p.sessions[id] = s
	return s, nil
}

// Connect ensures the server subprocess is running and its tools are listed.
// Calling it on a connected session is a no-op.
func (p *Pool) Connect(ctx context.Context, id string) error {
	s, err := p.session(id)
	if err != nil {
		return err
	}
	return s.connect(ctx, p.logger)
}

// Tools returns the exposed tool definitions of one server, connecting if
// needed.
func (p *Pool) Tools(ctx context.Context, id string) ([]llms.ToolDefinition, error) {
	s, err := p.session(id)
	if err != nil {
		return nil, err
	}
	if err := s.connect(ctx, p.logger); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llms.ToolDefinition, len(s.tools))
	copy(out, s.tools)
	return out, nil
}

// Has reports whether a connected server exposes the named tool. It never
// triggers a connect.
func (p *Pool) Has(id, tool string) bool {
	p.mu.Lock()
	s, ok := p.sessions[id]
	p.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnected {
		return false
	}
	_, ok = s.names.original(tool)
	return ok
}

// Call invokes one tool, connecting the server if needed. The exposed or the
// original tool name both work.
func (p *Pool) Call(ctx context.Context, id, tool string, args map[string]any) (map[string]any, error) {
	s, err := p.session(id)
	if err != nil {
		return nil, err
	}
	if err := s.connect(ctx, p.logger); err != nil {
		return nil, err
	}
	return s.call(ctx, tool, args)
}

// Close shuts every session down, best effort.
func (p *Pool) Close() error {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Session) connect(ctx context.Context, log *slog.Logger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateConnected {
		return nil
	}

	env := make([]string, 0, len(s.manifest.Env))
	for k, v := range s.manifest.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	var cli *mcpclient.Client
	var err error
	if s.manifest.Cwd != "" {
		cwd := s.manifest.Cwd
		cli, err = mcpclient.NewStdioMCPClientWithOptions(
			s.manifest.Command, env, s.manifest.Args,
			transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
				cmd := exec.CommandContext(ctx, command, args...)
				cmd.Env = env
				cmd.Dir = cwd
				return cmd, nil
			}),
		)
	} else {
		cli, err = mcpclient.NewStdioMCPClient(s.manifest.Command, env, s.manifest.Args...)
	}
	if err != nil {
		s.state = stateFailed
		return fmt.Errorf("tool server %s: spawn failed: %w", s.id, err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "llm-coordinator",
		Version: "1.0.0",
	}

	if _, err := cli.Initialize(ctx, initReq); err != nil {
		cli.Close()
		s.state = stateFailed
		return fmt.Errorf("tool server %s: initialize failed: %w", s.id, err)
	}

	listResp, err := cli.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		cli.Close()
		s.state = stateFailed
		return fmt.Errorf("tool server %s: tools/list failed: %w", s.id, err)
	}

	s.names = newNameMap()
	s.tools = s.tools[:0]
	for _, t := range listResp.Tools {
		exposed := s.names.add(t.Name)
		s.tools = append(s.tools, llms.ToolDefinition{
			Name:        exposed,
			Description: t.Description,
			Parameters:  convertSchema(t.InputSchema),
		})
	}

	s.client = cli
	s.state = stateConnected

	log.Info("connected to tool server",
		"server", s.id,
		"command", s.manifest.Command,
		"tools", len(s.tools))
	return nil
}

func (s *Session) call(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	s.mu.Lock()
	cli := s.client
	original, known := s.names.original(tool)
	timeout := DefaultCallTimeout
	if s.manifest.TimeoutMs > 0 {
		timeout = time.Duration(s.manifest.TimeoutMs) * time.Millisecond
	}
	s.mu.Unlock()

	if cli == nil {
		return nil, fmt.Errorf("tool server %s: not connected", s.id)
	}
	if !known {
		return nil, fmt.Errorf("tool server %s: unknown tool %q", s.id, tool)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = original
	req.Params.Arguments = args

	resp, err := cli.CallTool(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("tool server %s: call %s failed: %w", s.id, original, err)
	}
	return parseCallResult(resp), nil
}

func (s *Session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		s.state = stateDisconnected
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.tools = nil
	s.state = stateDisconnected
	return err
}

// parseCallResult flattens an MCP result into the map shape tool results use
// everywhere else: "result" for a single text, "results" for several,
// "error" when the server flagged failure.
func parseCallResult(resp *mcpgo.CallToolResult) map[string]any {
	result := make(map[string]any)

	var texts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcpgo.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}

	if resp.IsError {
		if len(texts) > 0 {
			result["error"] = texts[0]
		} else {
			result["error"] = "unknown error"
		}
		return result
	}

	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result
}

func convertSchema(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
