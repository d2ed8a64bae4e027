// Package inspect exposes read-mostly operational tools over MCP stdio.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"market_watch/internal/maintenance"
	"market_watch/internal/model"
	"market_watch/internal/monitor"
	"market_watch/internal/queue"
	"market_watch/internal/ratelimit"
)

// Monitors is the lifecycle service as seen by the inspection tools.
type Monitors interface {
	List(ctx context.Context, userID string) ([]model.Monitor, error)
	Status(ctx context.Context, id string) (*monitor.StatusReport, error)
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, bool, error)
}

// Schedules lists live schedule keys.
type Schedules interface {
	ListSchedules(ctx context.Context) ([]string, error)
}

// QueueStats reports job counts per state.
type QueueStats interface {
	Counts(ctx context.Context) (map[queue.State]int, error)
}

// Quotas reports a user's quota usage.
type Quotas interface {
	Usage(ctx context.Context, userID string) (*ratelimit.Usage, error)
}

// Maintenance runs the reconciler sweeps on demand.
type Maintenance interface {
	SweepInactiveOwners(ctx context.Context) (*maintenance.Report, error)
	SweepOrphans(ctx context.Context) (*maintenance.Report, error)
}

// Deps are the components the tools read from.
type Deps struct {
	Monitors    Monitors
	Schedules   Schedules
	Queue       QueueStats
	Quotas      Quotas
	Maintenance Maintenance
}

// Server holds the tool handlers.
type Server struct {
	Deps
	version string
}

// New creates a Server.
func New(deps Deps, version string) *Server {
	return &Server{Deps: deps, version: version}
}

// Serve runs the MCP stdio server until stdin closes.
func (s *Server) Serve() error {
	return server.ServeStdio(s.MCPServer())
}

// MCPServer returns an MCP server with every tool registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer(
		"market-watch",
		s.version,
		server.WithToolCapabilities(true),
	)
	s.registerTools(srv)
	return srv
}

func (s *Server) registerTools(srv *server.MCPServer) {
	srv.AddTool(mcp.NewTool("get_snapshot",
		mcp.WithDescription("Return the cached result snapshot of a monitor"),
		mcp.WithString("monitor_id", mcp.Required(), mcp.Description("Monitor ID")),
	), s.handleGetSnapshot)

	srv.AddTool(mcp.NewTool("list_schedules",
		mcp.WithDescription("List live schedule keys and job counts per state"),
	), s.handleListSchedules)

	srv.AddTool(mcp.NewTool("monitor_status",
		mcp.WithDescription("Show a monitor, whether it is scheduled, its pending and failed jobs, and its owner's quota usage"),
		mcp.WithString("monitor_id", mcp.Required(), mcp.Description("Monitor ID")),
	), s.handleMonitorStatus)

	srv.AddTool(mcp.NewTool("list_monitors",
		mcp.WithDescription("List the monitors of a user"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User ID")),
	), s.handleListMonitors)

	srv.AddTool(mcp.NewTool("run_maintenance",
		mcp.WithDescription("Run a reconciler sweep now"),
		mcp.WithString("sweep",
			mcp.Description("inactive, orphans, or all (default: all)"),
			mcp.Enum("inactive", "orphans", "all"),
		),
	), s.handleRunMaintenance)
}

func (s *Server) handleGetSnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("monitor_id", "")
	if id == "" {
		return mcp.NewToolResultError("monitor_id is required"), nil
	}
	snap, ok, err := s.Monitors.GetSnapshot(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("snapshot error: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultText("no snapshot cached"), nil
	}
	return jsonResult(snap)
}

func (s *Server) handleListSchedules(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys, err := s.Schedules.ListSchedules(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("schedules error: %v", err)), nil
	}
	counts, err := s.Queue.Counts(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("queue error: %v", err)), nil
	}
	return jsonResult(struct {
		Schedules []string            `json:"schedules"`
		Jobs      map[queue.State]int `json:"jobs"`
	}{keys, counts})
}

func (s *Server) handleMonitorStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("monitor_id", "")
	if id == "" {
		return mcp.NewToolResultError("monitor_id is required"), nil
	}
	rep, err := s.Monitors.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status error: %v", err)), nil
	}
	usage, err := s.Quotas.Usage(ctx, rep.Monitor.UserID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("usage error: %v", err)), nil
	}
	return jsonResult(struct {
		*monitor.StatusReport
		Usage *ratelimit.Usage `json:"usage"`
	}{rep, usage})
}

func (s *Server) handleListMonitors(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := request.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	list, err := s.Monitors.List(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list error: %v", err)), nil
	}
	return jsonResult(list)
}

func (s *Server) handleRunMaintenance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sweep := request.GetString("sweep", "all")
	out := map[string]*maintenance.Report{}

	if sweep == "inactive" || sweep == "all" {
		rep, err := s.Maintenance.SweepInactiveOwners(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("inactive sweep error: %v", err)), nil
		}
		out["inactive"] = rep
	}
	if sweep == "orphans" || sweep == "all" {
		rep, err := s.Maintenance.SweepOrphans(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("orphan sweep error: %v", err)), nil
		}
		out["orphans"] = rep
	}
	if len(out) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("unknown sweep %q", sweep)), nil
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
