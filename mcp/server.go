// Package mcp provides the MCP (Model Context Protocol) server for cdrgraph.
//
// The server exposes the query planner as tools over stdio so that an MCP
// client can pull bounded subgraphs and party details out of the store.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Benny93/cdrgraph/internal/config"
	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/ingestion"
	"github.com/Benny93/cdrgraph/internal/logger"
	"github.com/Benny93/cdrgraph/internal/query"
	"github.com/Benny93/cdrgraph/internal/storage"
)

// Tool and resource names.
const (
	ToolSubgraph = "cdr_subgraph"
	ToolParty    = "cdr_party"

	OverviewURI = "cdr://overview"
)

// Version is reported to clients during initialization.
var Version = "dev"

// Server represents the MCP server.
type Server struct {
	store   storage.Store
	planner *query.Planner
	limits  config.QueryConfig
	root    string
	log     *logger.Logger
	server  *mcp.Server
}

// SubgraphInput is the argument of the cdr_subgraph tool.
type SubgraphInput struct {
	Seeds    []string `json:"seeds" jsonschema:"phone numbers or identifiers to start from, in any formatting"`
	Depth    *int     `json:"depth,omitempty" jsonschema:"number of hops to expand; 0 returns only the seeds"`
	MaxNodes int      `json:"maxNodes,omitempty" jsonschema:"upper bound on returned parties"`
}

// PartyInput is the argument of the cdr_party tool.
type PartyInput struct {
	ID string `json:"id" jsonschema:"phone number or identifier of the party"`
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

const (
	subgraphDescription = "Return the bounded neighborhood of one or more parties as a visualization payload: nodes with record-count weights and aggregated call edges."
	partyDescription    = "Show one party's record count, first and last activity, and every party it exchanged records with."
)

// NewServer creates a new MCP server. root is the project directory whose
// ingestion ledger backs the overview resource.
func NewServer(store storage.Store, cfg *config.Config, root string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		store:   store,
		planner: query.NewPlanner(store),
		limits:  cfg.Query,
		root:    root,
		log:     log,
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "cdrgraph",
		Version: Version,
	}, nil)

	s.registerTools()
	s.registerResources()

	return s
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{Name: ToolSubgraph, Description: subgraphDescription, InputSchema: schemaFor[SubgraphInput]()},
		{Name: ToolParty, Description: partyDescription, InputSchema: schemaFor[PartyInput]()},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         OverviewURI,
			Name:        "Store Overview",
			Description: "Node and edge counts and the most recent ingestion",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case ToolSubgraph:
		var in SubgraphInput
		if err := decodeArgs(args, &in); err != nil {
			return "", err
		}
		return s.subgraph(ctx, in)
	case ToolParty:
		var in PartyInput
		if err := decodeArgs(args, &in); err != nil {
			return "", err
		}
		return s.party(ctx, in)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case OverviewURI:
		return s.overview(ctx)
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run serves MCP over stdin and stdout until the client disconnects or
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}

// Tool handlers

func (s *Server) subgraph(ctx context.Context, in SubgraphInput) (string, error) {
	depth := s.limits.MaxDepth
	if in.Depth != nil {
		depth = *in.Depth
	}
	maxNodes := s.limits.MaxNodes
	if in.MaxNodes != 0 {
		maxNodes = in.MaxNodes
	}

	sg, err := s.planner.Subgraph(ctx, in.Seeds, depth, maxNodes)
	if err != nil {
		return "", err
	}
	s.log.Debug("subgraph served", "nodes", len(sg.Nodes), "edges", len(sg.Edges), "truncated", sg.Truncated)
	return toJSON(query.Payload(sg))
}

func (s *Server) party(ctx context.Context, in PartyInput) (string, error) {
	detail, err := s.planner.Party(ctx, in.ID)
	if err != nil {
		return "", err
	}
	return toJSON(detail)
}

// Resource handlers

func (s *Server) overview(ctx context.Context) (string, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# cdrgraph Store Overview\n\n")
	sb.WriteString(fmt.Sprintf("**Backend:** %s\n", stats.Backend))
	sb.WriteString(fmt.Sprintf("**Parties:** %d\n", stats.Nodes))
	sb.WriteString(fmt.Sprintf("**Edges:** %d\n", stats.Edges))

	meta, err := ingestion.LoadMeta(ingestion.MetaPath(s.root))
	if err != nil {
		s.log.Warn("reading ingestion ledger failed", "error", err)
		return sb.String(), nil
	}
	if last := meta.Last(); last != nil {
		sb.WriteString("\n## Last Ingestion\n\n")
		sb.WriteString(fmt.Sprintf("- File: %s\n", last.File))
		sb.WriteString(fmt.Sprintf("- Batch: %s\n", last.BatchID))
		sb.WriteString(fmt.Sprintf("- Accepted: %d\n", last.Accepted))
		sb.WriteString(fmt.Sprintf("- Rejected: %d\n", last.Rejected))
		sb.WriteString(fmt.Sprintf("- At: %s\n", last.IngestedAt.Format("2006-01-02 15:04:05 MST")))
	}
	sb.WriteString(fmt.Sprintf("\nFiles ingested: %d\n", len(meta.Ingested)))
	return sb.String(), nil
}

// registerTools registers tools with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{Name: ToolSubgraph, Description: subgraphDescription},
		func(ctx context.Context, _ *mcp.CallToolRequest, in SubgraphInput) (*mcp.CallToolResult, any, error) {
			return textResult(s.subgraph(ctx, in))
		})

	mcp.AddTool(s.server, &mcp.Tool{Name: ToolParty, Description: partyDescription},
		func(ctx context.Context, _ *mcp.CallToolRequest, in PartyInput) (*mcp.CallToolResult, any, error) {
			return textResult(s.party(ctx, in))
		})
}

// registerResources registers resources with the MCP server.
func (s *Server) registerResources() {
	for _, r := range s.ListResources() {
		s.server.AddResource(&mcp.Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MimeType,
		}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			text, err := s.ReadResource(ctx, req.Params.URI)
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: req.Params.URI, MIMEType: "text/plain", Text: text}},
			}, nil
		})
	}
}

// Helper functions

// textResult wraps a handler's text output. Invalid queries are reported to
// the client as tool errors rather than protocol failures.
func textResult(text string, err error) (*mcp.CallToolResult, any, error) {
	if err != nil {
		if errors.Is(err, graph.ErrInvalidQuery) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil, nil
		}
		return nil, nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil, nil
}

func decodeArgs(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding arguments: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decoding arguments: %w", graph.ErrInvalidQuery, err)
	}
	return nil
}

func schemaFor[T any]() *jsonschema.Schema {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("inferring input schema: %v", err))
	}
	return schema
}

func toJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(data), nil
}
