// Package serve exposes the engine's read-only surfaces as MCP tools
// over stdio. No tool mutates the workspace or the state directory;
// mutation stays behind the CLI where the lock and the budget apply.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mend-engine/mend/internal/attest"
	"github.com/mend-engine/mend/internal/catalog"
	"github.com/mend-engine/mend/internal/config"
	"github.com/mend-engine/mend/internal/cycle"
	"github.com/mend-engine/mend/internal/decide"
	"github.com/mend-engine/mend/internal/observe"
	"github.com/mend-engine/mend/internal/trust"
)

// Server wraps an MCP stdio server bound to one workspace.
type Server struct {
	cfg   *config.Config
	paths config.Paths
	mcp   *server.MCPServer
}

// New builds the server with every tool registered.
func New(workspace string, cfg *config.Config, version string) *Server {
	s := &Server{
		cfg:   cfg,
		paths: cfg.Resolve(workspace),
		mcp: server.NewMCPServer("mend", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}

	s.mcp.AddTool(
		mcp.NewTool("observe",
			mcp.WithDescription("Run the configured diagnostics providers and return the metrics snapshot."),
		),
		s.handleObserve,
	)
	s.mcp.AddTool(
		mcp.NewTool("decide",
			mcp.WithDescription("Observe the workspace and return the action the engine would pick, without acting."),
		),
		s.handleDecide,
	)
	s.mcp.AddTool(
		mcp.NewTool("ledger_tail",
			mcp.WithDescription("Return the most recent run ledger entries, newest first."),
			mcp.WithNumber("n", mcp.Description("Maximum entries to return (default 10).")),
		),
		s.handleLedgerTail,
	)
	s.mcp.AddTool(
		mcp.NewTool("attestation_validate",
			mcp.WithDescription("Validate the attestation hash chain and report the first broken index, if any."),
		),
		s.handleAttestationValidate,
	)
	s.mcp.AddTool(
		mcp.NewTool("trust_show",
			mcp.WithDescription("Return every trust record: score, consecutive failures, blacklist flag."),
		),
		s.handleTrustShow,
	)
	return s
}

// ServeStdio blocks serving MCP requests on stdin/stdout.
func (s *Server) ServeStdio() error {
	slog.Info("mcp server listening", "workspace", s.paths.Workspace)
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleObserve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := observe.New(s.cfg.Providers).Observe(ctx, s.paths.Workspace)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(snap)
}

func (s *Server) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := observe.New(s.cfg.Providers).Observe(ctx, s.paths.Workspace)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	trustStore, err := trust.Load(s.paths.TrustStore)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cat, err := catalog.LoadDir(s.paths.RecipesDir)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(decide.Decide(snap, trustStore, cat))
}

func (s *Server) handleLedgerTail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n := req.GetInt("n", 10)
	entries, err := cycle.NewLedger(s.paths.LedgerDir).Tail(n)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if entries == nil {
		entries = []cycle.LedgerEntry{}
	}
	return jsonResult(entries)
}

func (s *Server) handleAttestationValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := attest.Validate(s.paths.Attestations)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) handleTrustShow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	store, err := trust.Load(s.paths.TrustStore)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	records := map[string]trust.Record{}
	for _, id := range store.IDs() {
		records[id] = store.Get(id)
	}
	return jsonResult(records)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
