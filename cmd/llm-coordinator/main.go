// Command llm-coordinator runs LLM workloads against the plugin catalog.
//
// Usage:
//
//	llm-coordinator run --file spec.json
//	llm-coordinator stream --spec '{"llmPriority":[...],"messages":[...]}'
//	llm-coordinator serve --defaults configs/defaults.json
//	llm-coordinator schema --kind call
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"

	"github.com/llmadapter/coordinator/pkg/config"
	"github.com/llmadapter/coordinator/pkg/coordinator"
	"github.com/llmadapter/coordinator/pkg/logger"
	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
	"github.com/llmadapter/coordinator/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Run     RunCmd     `cmd:"" help:"Execute one unary LLM run."`
	Stream  StreamCmd  `cmd:"" help:"Execute one streaming LLM run, printing events as JSON lines."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP server."`
	Schema  SchemaCmd  `cmd:"" help:"Print the JSON Schema for a spec kind."`
	Plugins PluginsCmd `cmd:"" help:"List the artifacts in the plugin catalog."`

	Defaults  string `short:"c" help:"Path to the defaults file." type:"path"`
	Plugin    string `name:"plugins" help:"Plugin catalog directory." type:"path"`
	Overlay   string `help:"Overlay plugin directory; its artifacts shadow the catalog." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

func (c *CLI) loadDefaults() (config.Defaults, error) {
	return config.Load(c.Defaults)
}

func (c *CLI) catalog(defaults config.Defaults) (*plugins.Registry, error) {
	root := c.Plugin
	if root == "" {
		root = defaults.Paths.PluginsDir
	}
	var opts []plugins.Option
	if c.Overlay != "" {
		opts = append(opts, plugins.WithOverlay(c.Overlay))
	}
	opts = append(opts, plugins.WithLogger(logger.GetLogger()))
	return plugins.NewRegistry(root, opts...)
}

func (c *CLI) coordinator() (*coordinator.Coordinator, config.Defaults, error) {
	defaults, err := c.loadDefaults()
	if err != nil {
		return nil, defaults, err
	}
	catalog, err := c.catalog(defaults)
	if err != nil {
		return nil, defaults, err
	}
	coord := coordinator.New(catalog, defaults, coordinator.WithLogger(logger.GetLogger()))
	return coord, defaults, nil
}

// specInput holds the shared spec-source flags.
type specInput struct {
	File    string `short:"f" help:"Read the spec from a file." type:"path"`
	Spec    string `help:"Inline spec JSON."`
	BatchID string `name:"batch-id" help:"Batch id stamped on logs and exported to subprocess tools."`
}

// read resolves the spec bytes: file first, inline second, stdin last.
func (in *specInput) read() ([]byte, error) {
	if in.File != "" {
		return os.ReadFile(in.File)
	}
	if in.Spec != "" {
		return []byte(in.Spec), nil
	}
	stat, err := os.Stdin.Stat()
	if err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		return io.ReadAll(os.Stdin)
	}
	return nil, fmt.Errorf("no spec given: use --file, --spec or pipe to stdin")
}

// callSpec parses the input and applies the batch id override.
func (in *specInput) callSpec() (*protocol.CallSpec, error) {
	data, err := in.read()
	if err != nil {
		return nil, err
	}
	spec, err := protocol.ParseCallSpec(data)
	if err != nil {
		return nil, err
	}
	if in.BatchID != "" {
		if spec.Settings == nil {
			spec.Settings = map[string]any{}
		}
		spec.Settings["batchId"] = in.BatchID
		os.Setenv("LLM_ADAPTER_BATCH_ID", in.BatchID)
	}
	return spec, nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("llm-coordinator version %s\n", version)
	return nil
}

// RunCmd executes one unary run and prints the response as JSON.
type RunCmd struct {
	specInput
	Pretty bool `help:"Indent the response JSON."`
}

func (c *RunCmd) Run(cli *CLI) error {
	spec, err := c.callSpec()
	if err != nil {
		return err
	}
	coord, _, err := cli.coordinator()
	if err != nil {
		return err
	}
	defer coord.Close()

	ctx, cancel := signalContext()
	defer cancel()

	resp, err := coord.Run(ctx, spec)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, resp, c.Pretty)
}

// StreamCmd executes one streaming run, printing each event as a JSON line.
type StreamCmd struct {
	specInput
}

func (c *StreamCmd) Run(cli *CLI) error {
	spec, err := c.callSpec()
	if err != nil {
		return err
	}
	coord, _, err := cli.coordinator()
	if err != nil {
		return err
	}
	defer coord.Close()

	ctx, cancel := signalContext()
	defer cancel()

	events, cancelStream, err := coord.Stream(ctx, spec)
	if err != nil {
		return err
	}
	defer cancelStream()

	enc := json.NewEncoder(os.Stdout)
	var failure error
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if ev.Type == protocol.EventError && ev.Error != nil {
			failure = fmt.Errorf("%s: %s", ev.Error.Code, ev.Error.Message)
		}
	}
	return failure
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host     string `help:"Listen host; overrides the defaults file."`
	Port     int    `help:"Listen port; overrides the defaults file."`
	AuthKeys string `name:"auth-keys" help:"Comma-separated API keys; enables authentication." env:"LLM_ADAPTER_AUTH_KEYS"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	defaults, err := cli.loadDefaults()
	if err != nil {
		return err
	}
	if c.Host != "" {
		defaults.Server.Host = c.Host
	}
	if c.Port != 0 {
		defaults.Server.Port = c.Port
	}
	catalog, err := cli.catalog(defaults)
	if err != nil {
		return err
	}

	var opts []server.Option
	if keys := server.NormalizeKeys(c.AuthKeys); len(keys) > 0 {
		opts = append(opts, server.WithAuth(server.AuthConfig{Enabled: true, Keys: keys}))
	}
	opts = append(opts, server.WithServerLogger(logger.GetLogger()))

	srv, err := server.New(catalog, defaults, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	return srv.ListenAndServe(ctx)
}

// SchemaCmd prints the JSON Schema for one spec kind.
type SchemaCmd struct {
	Kind string `arg:"" optional:"" enum:"call,vector,embedding" default:"call" help:"Spec kind: call, vector or embedding."`
}

func (c *SchemaCmd) Run() error {
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	var schema any
	switch c.Kind {
	case "vector":
		schema = reflector.Reflect(&protocol.VectorSpec{})
	case "embedding":
		schema = reflector.Reflect(&protocol.EmbeddingSpec{})
	default:
		schema = reflector.Reflect(&protocol.CallSpec{})
	}
	return printJSON(os.Stdout, schema, true)
}

// PluginsCmd lists every artifact the catalog resolves.
type PluginsCmd struct{}

func (c *PluginsCmd) Run(cli *CLI) error {
	defaults, err := cli.loadDefaults()
	if err != nil {
		return err
	}
	catalog, err := cli.catalog(defaults)
	if err != nil {
		return err
	}

	sections := []struct {
		name string
		ids  []string
	}{
		{"providers", catalog.ProviderIDs()},
		{"tools", catalog.ToolIDs()},
		{"tool servers", catalog.MCPServerIDs()},
		{"vector stores", catalog.VectorStoreIDs()},
		{"embedding providers", catalog.EmbeddingProviderIDs()},
	}
	for _, section := range sections {
		fmt.Printf("%s:\n", section.name)
		if len(section.ids) == 0 {
			fmt.Println("  (none)")
			continue
		}
		for _, id := range section.ids {
			fmt.Printf("  %s\n", id)
		}
	}
	return nil
}

func printJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	// A missing .env is fine; explicit env always wins.
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("llm-coordinator"),
		kong.Description("Provider-agnostic LLM workload coordinator."),
		kong.UsageOnError(),
	)

	logFile := os.Stderr
	var closeLog func()
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		logFile = f
		closeLog = cleanup
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), logFile, cli.LogFormat)
	if closeLog != nil {
		defer closeLog()
	}

	if err := ctx.Run(&cli); err != nil {
		msg, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintln(os.Stderr, string(msg))
		os.Exit(1)
	}
}
