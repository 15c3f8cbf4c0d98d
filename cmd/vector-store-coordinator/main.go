// Command vector-store-coordinator runs vector-store operations against the
// plugin catalog: similarity queries, upserts, deletes, collection admin and
// raw embeddings.
//
// Usage:
//
//	vector-store-coordinator run --file op.json
//	vector-store-coordinator query --store notes --query "deployment checklist"
//	vector-store-coordinator embed --input "hello world"
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/llmadapter/coordinator/pkg/config"
	"github.com/llmadapter/coordinator/pkg/embedders"
	"github.com/llmadapter/coordinator/pkg/logger"
	"github.com/llmadapter/coordinator/pkg/plugins"
	"github.com/llmadapter/coordinator/pkg/protocol"
	"github.com/llmadapter/coordinator/pkg/vector"
)

// CLI defines the command-line interface.
type CLI struct {
	Version     VersionCmd     `cmd:"" help:"Show version information."`
	Run         RunCmd         `cmd:"" help:"Execute one vector spec document."`
	Query       QueryCmd       `cmd:"" help:"Run a similarity query."`
	Upsert      UpsertCmd      `cmd:"" help:"Upsert points from a JSON array."`
	Delete      DeleteCmd      `cmd:"" help:"Delete points by id."`
	Collections CollectionsCmd `cmd:"" help:"List, create or delete collections."`
	Embed       EmbedCmd       `cmd:"" help:"Embed raw inputs through the priority chain."`

	Defaults  string `short:"c" help:"Path to the defaults file." type:"path"`
	Plugin    string `name:"plugins" help:"Plugin catalog directory." type:"path"`
	Overlay   string `help:"Overlay plugin directory; its artifacts shadow the catalog." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
	Pretty    bool   `help:"Indent output JSON."`
}

func (c *CLI) manager() (*vector.Manager, error) {
	defaults, err := config.Load(c.Defaults)
	if err != nil {
		return nil, err
	}
	root := c.Plugin
	if root == "" {
		root = defaults.Paths.PluginsDir
	}
	var opts []plugins.Option
	if c.Overlay != "" {
		opts = append(opts, plugins.WithOverlay(c.Overlay))
	}
	opts = append(opts, plugins.WithLogger(logger.GetLogger()))
	catalog, err := plugins.NewRegistry(root, opts...)
	if err != nil {
		return nil, err
	}
	return vector.NewManager(catalog, embedders.NewRegistry(catalog),
		vector.WithManagerLogger(logger.GetLogger())), nil
}

func (c *CLI) print(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if c.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// runSpec executes one spec and prints the result.
func (c *CLI) runSpec(spec *protocol.VectorSpec) error {
	manager, err := c.manager()
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := manager.Run(ctx, *spec)
	if err != nil {
		return err
	}
	return c.print(result)
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
	fmt.Printf("vector-store-coordinator version %s\n", version)
	return nil
}

// RunCmd executes a full vector spec document.
type RunCmd struct {
	File string `short:"f" help:"Read the spec from a file." type:"path"`
	Spec string `help:"Inline spec JSON."`
}

func (c *RunCmd) Run(cli *CLI) error {
	var data []byte
	var err error
	switch {
	case c.File != "":
		data, err = os.ReadFile(c.File)
	case c.Spec != "":
		data = []byte(c.Spec)
	default:
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return err
	}
	spec, err := protocol.ParseVectorSpec(data)
	if err != nil {
		return err
	}
	return cli.runSpec(spec)
}

// QueryCmd runs a similarity query from flags.
type QueryCmd struct {
	Store          string  `required:"" help:"Vector store id."`
	Collection     string  `help:"Collection name; store default when empty."`
	Query          string  `arg:"" help:"Query text to embed and search."`
	TopK           int     `name:"top-k" help:"Result count cap."`
	ScoreThreshold float64 `name:"score-threshold" help:"Minimum similarity score."`
}

func (c *QueryCmd) Run(cli *CLI) error {
	return cli.runSpec(&protocol.VectorSpec{
		Operation:      "query",
		Store:          c.Store,
		Collection:     c.Collection,
		Query:          c.Query,
		TopK:           c.TopK,
		ScoreThreshold: c.ScoreThreshold,
	})
}

// UpsertCmd upserts points read as a JSON array.
type UpsertCmd struct {
	Store      string `required:"" help:"Vector store id."`
	Collection string `help:"Collection name; store default when empty."`
	File       string `short:"f" help:"Read points from a file (JSON array)." type:"path"`
}

func (c *UpsertCmd) Run(cli *CLI) error {
	var data []byte
	var err error
	if c.File != "" {
		data, err = os.ReadFile(c.File)
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return err
	}
	var points []protocol.VectorPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return fmt.Errorf("invalid points document: %w", err)
	}
	return cli.runSpec(&protocol.VectorSpec{
		Operation:  "upsert",
		Store:      c.Store,
		Collection: c.Collection,
		Points:     points,
	})
}

// DeleteCmd deletes points by id.
type DeleteCmd struct {
	Store      string   `required:"" help:"Vector store id."`
	Collection string   `help:"Collection name; store default when empty."`
	IDs        []string `arg:"" help:"Point ids to delete."`
}

func (c *DeleteCmd) Run(cli *CLI) error {
	return cli.runSpec(&protocol.VectorSpec{
		Operation:  "delete",
		Store:      c.Store,
		Collection: c.Collection,
		IDs:        c.IDs,
	})
}

// CollectionsCmd lists collections, or creates or deletes one.
type CollectionsCmd struct {
	Store      string `required:"" help:"Vector store id."`
	Create     string `help:"Create a collection with this name." xor:"op"`
	Delete     string `help:"Delete the collection with this name." xor:"op"`
	Dimensions int    `help:"Vector size for --create; embedder default when 0."`
}

func (c *CollectionsCmd) Run(cli *CLI) error {
	spec := &protocol.VectorSpec{Operation: "listCollections", Store: c.Store}
	switch {
	case c.Create != "":
		spec.Operation = "createCollection"
		spec.Collection = c.Create
		spec.Dimensions = c.Dimensions
	case c.Delete != "":
		spec.Operation = "deleteCollection"
		spec.Collection = c.Delete
	}
	return cli.runSpec(spec)
}

// EmbedCmd embeds raw inputs, one vector per input.
type EmbedCmd struct {
	Input []string `short:"i" help:"Input text; repeatable. Reads stdin lines when absent."`
	Store string   `help:"Store whose default embedding priority applies."`
	File  string   `short:"f" help:"Read a full embedding spec from a file." type:"path"`
}

func (c *EmbedCmd) Run(cli *CLI) error {
	var spec *protocol.EmbeddingSpec
	if c.File != "" {
		data, err := os.ReadFile(c.File)
		if err != nil {
			return err
		}
		spec, err = protocol.ParseEmbeddingSpec(data)
		if err != nil {
			return err
		}
	} else {
		inputs := c.Input
		if len(inputs) == 0 {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				if line := strings.TrimSpace(scanner.Text()); line != "" {
					inputs = append(inputs, line)
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
		}
		spec = &protocol.EmbeddingSpec{Inputs: inputs, Store: c.Store}
	}

	manager, err := cli.manager()
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := manager.RunEmbeddings(ctx, *spec)
	if err != nil {
		return err
	}
	return cli.print(result)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("vector-store-coordinator"),
		kong.Description("Vector-store workload coordinator."),
		kong.UsageOnError(),
	)

	logger.Init(logger.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		msg, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintln(os.Stderr, string(msg))
		os.Exit(1)
	}
}
