// Package cmd provides CLI command implementations for cdrgraph.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Benny93/cdrgraph/internal/config"
	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/ingestion"
	"github.com/Benny93/cdrgraph/internal/logger"
	"github.com/Benny93/cdrgraph/internal/metrics"
	"github.com/Benny93/cdrgraph/internal/query"
	"github.com/Benny93/cdrgraph/internal/storage"
	"github.com/Benny93/cdrgraph/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	Config string `help:"Config file (default: .cdrgraph/config.yaml under --root if present)" type:"path"`
	Root   string `help:"Project directory holding the .cdrgraph data directory" default:"." type:"path"`
	Quiet  bool   `short:"q" help:"Suppress non-essential output"`

	// Out receives command output; nil means stdout.
	Out io.Writer `kong:"-"`
}

func (g *Globals) stdout() io.Writer {
	if g.Out != nil {
		return g.Out
	}
	return os.Stdout
}

// note prints a status line to stderr unless --quiet is set.
func (g *Globals) note(c *color.Color, format string, args ...any) {
	if g.Quiet {
		return
	}
	_, _ = c.Fprintf(os.Stderr, format+"\n", args...)
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	faint  = color.New(color.Faint)
)

// load reads the configuration and builds the logger.
func (g *Globals) load() (*config.Config, *logger.Logger, error) {
	path := g.Config
	if path == "" {
		path = config.DefaultPath(g.Root)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return cfg, log, nil
}

// IngestCmd ingests call record files into the graph store.
type IngestCmd struct {
	Files       []string `arg:"" type:"existingfile" help:"Delimited call record files"`
	Resume      bool     `help:"Continue from the checkpoint left by an interrupted ingest"`
	MetricsFile string   `type:"path" help:"Write Prometheus metrics to this file when done"`
}

// Run executes the ingest command.
func (c *IngestCmd) Run(g *Globals) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := interruptible(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, g.Root, false, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if cfg.Store.Backend == config.BackendMemory {
		g.note(yellow, "memory backend: records are validated but not persisted")
	}

	session, err := ingestion.NewSession(ingestion.NewPipeline(store, cfg, log), g.Root, c.Resume)
	if err != nil {
		return err
	}
	if cp := session.Resuming(); cp != nil {
		g.note(yellow, "Resuming %s after row %d", cp.File, cp.ResumeFrom)
	}

	enc := json.NewEncoder(g.stdout())
	enc.SetIndent("", "  ")

	var total, rejected int
	for _, file := range c.Files {
		rep, err := session.IngestFile(ctx, file)
		if errors.Is(err, ingestion.ErrAlreadyApplied) {
			g.note(faint, "Skipping %s: already ingested before the interruption", file)
			continue
		}
		if rep != nil {
			if encErr := enc.Encode(rep); encErr != nil {
				return fmt.Errorf("writing report: %w", encErr)
			}
		}
		if err != nil {
			if rep != nil {
				g.note(yellow, "Stopped at row %d of %s. Rerun with --resume to continue.", rep.ResumeFrom, file)
			}
			return err
		}
		total += rep.Accepted
		rejected += len(rep.Rejected)
	}

	if err := session.Finish(); err != nil {
		return err
	}

	if c.MetricsFile != "" {
		if err := metrics.WriteTextfile(c.MetricsFile); err != nil {
			return err
		}
	}

	g.note(green, "✓ Ingested %d records from %d file(s), %d rows rejected", total, len(c.Files), rejected)
	return nil
}

// SubgraphCmd extracts a bounded subgraph around seed parties.
type SubgraphCmd struct {
	Seeds    []string `arg:"" help:"Seed phone numbers or identifiers"`
	Depth    *int     `short:"d" help:"Hops to expand (default from config)"`
	MaxNodes *int     `short:"n" help:"Maximum parties returned (default from config)"`
	Out      string   `short:"o" type:"path" help:"Write the payload to this file instead of stdout"`
}

// Run executes the subgraph command.
func (c *SubgraphCmd) Run(g *Globals) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	store, err := openStore(ctx, cfg, g.Root, true, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	depth, maxNodes := cfg.Query.MaxDepth, cfg.Query.MaxNodes
	if c.Depth != nil {
		depth = *c.Depth
	}
	if c.MaxNodes != nil {
		maxNodes = *c.MaxNodes
	}

	sg, err := query.NewPlanner(store).Subgraph(ctx, c.Seeds, depth, maxNodes)
	if err != nil {
		return err
	}
	payload := query.Payload(sg)

	if c.Out != "" {
		if err := payload.WriteFile(c.Out); err != nil {
			return err
		}
		g.note(green, "Wrote %d parties and %d edges to %s", len(payload.Nodes), len(payload.Edges), c.Out)
	} else {
		enc := json.NewEncoder(g.stdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return fmt.Errorf("writing payload: %w", err)
		}
	}

	if sg.Truncated {
		g.note(yellow, "Result truncated at %d parties; raise --max-nodes to see more", maxNodes)
	}
	return nil
}

// PartyCmd shows one party and its direct contacts.
type PartyCmd struct {
	ID   string `arg:"" help:"Phone number or identifier"`
	JSON bool   `help:"Print JSON instead of text"`
}

// Run executes the party command.
func (c *PartyCmd) Run(g *Globals) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	store, err := openStore(ctx, cfg, g.Root, true, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	detail, err := query.NewPlanner(store).Party(ctx, c.ID)
	if err != nil {
		return err
	}

	out := g.stdout()
	if c.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	}

	n := detail.Node
	fmt.Fprintf(out, "## %s\n\n", n.Label)
	fmt.Fprintf(out, "  Key:        %s\n", n.Key)
	fmt.Fprintf(out, "  Resolved:   %t\n", n.Resolved)
	fmt.Fprintf(out, "  Records:    %d\n", n.RecordCount)
	fmt.Fprintf(out, "  First seen: %s\n", n.FirstSeen.Format(time.RFC3339))
	fmt.Fprintf(out, "  Last seen:  %s\n", n.LastSeen.Format(time.RFC3339))

	fmt.Fprintf(out, "\n### Contacts (%d)\n\n", len(detail.Neighbors))
	for _, nb := range detail.Neighbors {
		fmt.Fprintf(out, "  %-20s %-6s %5d records  %7ds  out %d / in %d\n",
			nb.Party, nb.Type, nb.Count, nb.TotalDuration, nb.Outgoing, nb.Incoming)
	}
	return nil
}

// StatusCmd shows store statistics and the last ingestion.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run(g *Globals) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	store, err := openStore(ctx, cfg, g.Root, true, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}
	meta, err := ingestion.LoadMeta(ingestion.MetaPath(g.Root))
	if err != nil {
		return err
	}

	out := g.stdout()
	fmt.Fprintf(out, "Store status for %s\n", g.Root)
	fmt.Fprintf(out, "  Backend:        %s\n", stats.Backend)
	fmt.Fprintf(out, "  Parties:        %d\n", stats.Nodes)
	fmt.Fprintf(out, "  Edges:          %d\n", stats.Edges)
	fmt.Fprintf(out, "  Files ingested: %d\n", len(meta.Ingested))
	if last := meta.Last(); last != nil {
		fmt.Fprintf(out, "  Last ingest:    %s (%s)\n", last.File, last.IngestedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  Last batch:     %s, %d accepted, %d rejected\n", last.BatchID, last.Accepted, last.Rejected)
	}

	cp, err := ingestion.LoadCheckpoint(ingestion.CheckpointPath(g.Root))
	if err != nil {
		return err
	}
	if cp != nil {
		fmt.Fprintf(out, "  Interrupted:    %s at row %d (run ingest --resume)\n", cp.File, cp.ResumeFrom)
	}
	return nil
}

// WatchCmd ingests record files as they appear in an inbox directory.
type WatchCmd struct {
	Dir      string        `arg:"" type:"existingdir" help:"Inbox directory to watch"`
	Debounce time.Duration `default:"2s" help:"Quiet period before a changed file is checked"`
	Settle   time.Duration `default:"5s" help:"How long a file's size must stay unchanged before it is ingested"`
}

// Run executes the watch command.
func (c *WatchCmd) Run(g *Globals) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := interruptible(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, g.Root, false, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	g.note(green, "Watching %s for call record files (Ctrl+C to stop)", c.Dir)

	w, err := c.watcher(g, cfg, store, log)
	if err != nil {
		return err
	}
	err = w.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}

	g.note(faint, "Watch mode stopped.")
	return nil
}

// watcher builds an inbox watcher that ingests each new file through one
// session and skips files the ledger already holds.
func (c *WatchCmd) watcher(g *Globals, cfg *config.Config, store storage.Store, log *logger.Logger) (*ingestion.Watcher, error) {
	session, err := ingestion.NewSession(ingestion.NewPipeline(store, cfg, log), g.Root, true)
	if err != nil {
		return nil, err
	}
	metaPath := ingestion.MetaPath(g.Root)
	enc := json.NewEncoder(g.stdout())

	handle := func(ctx context.Context, entry ingestion.FileEntry) error {
		meta, err := ingestion.LoadMeta(metaPath)
		if err != nil {
			return err
		}
		if meta.Has(entry.SHA256) {
			log.Debug("already ingested", "file", entry.RelPath)
			return nil
		}

		rep, err := session.IngestFile(ctx, entry.Path)
		if err != nil {
			return err
		}
		g.note(green, "✓ %s: %d accepted, %d rejected", entry.RelPath, rep.Accepted, len(rep.Rejected))
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		return session.Finish()
	}

	return &ingestion.Watcher{Dir: c.Dir, Handle: handle, Debounce: c.Debounce, Settle: c.Settle, Log: log}, nil
}

// ServeCmd starts the MCP query server on stdio.
type ServeCmd struct {
	Watch string `type:"existingdir" help:"Also ingest record files dropped in this directory"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(g *Globals) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := interruptible(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, g.Root, c.Watch == "", log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	mcp.Version = Version
	server := mcp.NewServer(store, cfg, g.Root, log)

	// Note: No output to stdout - MCP server uses stdio for JSON-RPC only
	if c.Watch == "" {
		return server.Run(ctx)
	}

	w, err := (&WatchCmd{Dir: c.Watch, Debounce: ingestion.DefaultDebounce, Settle: ingestion.DefaultSettle}).watcher(&Globals{Root: g.Root, Quiet: true, Out: io.Discard}, cfg, store, log)
	if err != nil {
		return err
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return server.Run(gctx)
	})
	eg.Go(func() error {
		if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("watch stopped", "error", err)
			return err
		}
		return nil
	})
	return eg.Wait()
}

// MergeCmd folds another Badger store into this project's store.
type MergeCmd struct {
	From string `required:"" type:"existingdir" help:"Badger store directory to merge from"`
}

// Run executes the merge command.
func (c *MergeCmd) Run(g *Globals) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := interruptible(context.Background())
	defer cancel()

	src := storage.NewBadgerStore()
	if err := src.Initialize(c.From, true); err != nil {
		return fmt.Errorf("opening %s: %w", c.From, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := openStore(ctx, cfg, g.Root, false, log)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	res, err := storage.Merge(ctx, dst, src)
	if err != nil {
		return fmt.Errorf("merging %s: %w", c.From, err)
	}

	g.note(green, "✓ Merged %d parties and %d edges from %s", res.Nodes, res.Edges, c.From)
	return json.NewEncoder(g.stdout()).Encode(res)
}

// ConfigCmd prints the effective configuration.
type ConfigCmd struct{}

// Run executes the config command.
func (c *ConfigCmd) Run(g *Globals) error {
	cfg, _, err := g.load()
	if err != nil {
		return err
	}
	if cfg.Store.Neo4j.Password != "" {
		cfg.Store.Neo4j.Password = "[REDACTED]"
	}
	enc := yaml.NewEncoder(g.stdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

// CleanCmd deletes the data directory of the project.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`
}

// Run executes the clean command.
func (c *CleanCmd) Run(g *Globals) error {
	dataDir := filepath.Join(g.Root, config.DataDir)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return fmt.Errorf("no data found at %s. Nothing to clean", g.Root)
	}

	if !c.Force {
		fmt.Printf("Delete %s? [y/N] ", dataDir)
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := os.RemoveAll(dataDir); err != nil {
		return fmt.Errorf("deleting %s: %w", dataDir, err)
	}

	g.note(green, "Deleted %s", dataDir)
	return nil
}

// Helper functions

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// interruptible returns a context cancelled on SIGINT or SIGTERM.
func interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := osSignalChannel()
	go func() {
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// openStore opens the configured backend. A read-only open of a Badger
// store that does not exist yet fails instead of creating it.
func openStore(ctx context.Context, cfg *config.Config, root string, readOnly bool, log *logger.Logger) (storage.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(), nil

	case config.BackendNeo4j:
		store, err := storage.NewNeo4jStore(ctx, cfg.Store.Neo4j, log)
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		dbPath := cfg.Store.Path
		if !filepath.IsAbs(dbPath) {
			dbPath = filepath.Join(root, dbPath)
		}
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			if readOnly {
				return nil, fmt.Errorf("no store found at %s. Run 'cdrgraph ingest' first", dbPath)
			}
			if err := os.MkdirAll(dbPath, 0o755); err != nil {
				return nil, fmt.Errorf("creating store directory: %w", err)
			}
		}

		store := storage.NewBadgerStore()
		if err := store.Initialize(dbPath, readOnly); err != nil {
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		return store, nil
	}
}

// CLI is the root Kong command structure.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Ingest     IngestCmd   `cmd:"" help:"Ingest call record files into the graph store"`
	Subgraph   SubgraphCmd `cmd:"" help:"Extract a bounded subgraph around seed parties"`
	Party      PartyCmd    `cmd:"" help:"Show one party and its direct contacts"`
	Status     StatusCmd   `cmd:"" help:"Show store statistics and the last ingestion"`
	Watch      WatchCmd    `cmd:"" help:"Ingest record files as they appear in a directory"`
	Serve      ServeCmd    `cmd:"" help:"Start MCP query server (stdio transport)"`
	Merge      MergeCmd    `cmd:"" help:"Merge another Badger store into this one"`
	ShowConfig ConfigCmd   `cmd:"" name:"config" help:"Print the effective configuration"`
	Clean      CleanCmd    `cmd:"" help:"Delete the .cdrgraph data directory"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	parser, err := kong.New(c,
		kong.Name("cdrgraph"),
		kong.Description("Call detail records as a queryable property graph"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	err = kongCtx.Run(&c.Globals)
	if errors.Is(err, graph.ErrInvalidQuery) {
		return fmt.Errorf("%w (see 'cdrgraph %s --help')", err, strings.Fields(kongCtx.Command())[0])
	}
	return err
}
