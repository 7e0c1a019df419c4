package mcp

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

// TimelineServer exposes read-only timeline queries as MCP tools over streamable HTTP
type TimelineServer struct {
	timeline     interfaces.TimelineStorage
	batches      interfaces.BatchStorage
	dayStartHour int
	mcpServer    *server.MCPServer
	httpServer   *server.StreamableHTTPServer
	logger       arbor.ILogger
	now          func() time.Time
}

// NewTimelineServer creates the MCP server and registers the timeline tools
func NewTimelineServer(storage interfaces.StorageManager, dayStartHour int, logger arbor.ILogger) *TimelineServer {
	s := &TimelineServer{
		timeline:     storage.TimelineStorage(),
		batches:      storage.BatchStorage(),
		dayStartHour: dayStartHour,
		logger:       logger,
		now:          time.Now,
	}

	s.mcpServer = server.NewMCPServer(
		"recap",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)
	s.mcpServer.AddTool(createGetTimelineDayTool(), s.handleGetTimelineDay)
	s.mcpServer.AddTool(createGetTimelineRangeTool(), s.handleGetTimelineRange)
	s.mcpServer.AddTool(createListFailedBatchesTool(), s.handleListFailedBatches)

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer, server.WithStateLess(true))
	return s
}

// Handler returns the HTTP handler to mount at /mcp
func (s *TimelineServer) Handler() http.Handler {
	return s.httpServer
}

// handleGetTimelineDay implements the get_timeline_day tool
func (s *TimelineServer) handleGetTimelineDay(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	day := request.GetString("day", "")
	if day == "" {
		day = common.DayBucket(s.now(), s.dayStartHour)
	}
	if _, _, err := common.DayRange(day, s.dayStartHour); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error: %v", err)), nil
	}

	cards, err := s.timeline.FetchTimelineCards(ctx, day)
	if err != nil {
		s.logger.Error().Err(err).Str("day", day).Msg("Failed to fetch timeline day")
		return mcp.NewToolResultError(fmt.Sprintf("Timeline error: %v", err)), nil
	}

	return mcp.NewToolResultText(formatCards("Timeline "+day, cards)), nil
}

// handleGetTimelineRange implements the get_timeline_range tool
func (s *TimelineServer) handleGetTimelineRange(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	startArg, err := request.RequireString("start")
	if err != nil {
		return mcp.NewToolResultError("Error: start parameter is required"), nil
	}
	endArg, err := request.RequireString("end")
	if err != nil {
		return mcp.NewToolResultError("Error: end parameter is required"), nil
	}

	start, err := time.Parse(time.RFC3339, startArg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error: invalid start: %v", err)), nil
	}
	end, err := time.Parse(time.RFC3339, endArg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error: invalid end: %v", err)), nil
	}
	if !start.Before(end) {
		return mcp.NewToolResultError("Error: start must be before end"), nil
	}

	cards, err := s.timeline.FetchTimelineCardsByTimeRange(ctx, start, end)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to fetch timeline range")
		return mcp.NewToolResultError(fmt.Sprintf("Timeline error: %v", err)), nil
	}

	heading := fmt.Sprintf("Timeline %s to %s", start.Local().Format("2006-01-02 15:04"), end.Local().Format("2006-01-02 15:04"))
	return mcp.NewToolResultText(formatCards(heading, cards)), nil
}

// handleListFailedBatches implements the list_failed_batches tool
func (s *TimelineServer) handleListFailedBatches(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	batches, err := s.batches.FetchBatchesByStatus(ctx, models.BatchStatusFailed)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list failed batches")
		return mcp.NewToolResultError(fmt.Sprintf("Batch error: %v", err)), nil
	}

	// Most recent first
	sort.Slice(batches, func(i, j int) bool { return batches[i].Start.After(batches[j].Start) })
	if len(batches) > limit {
		batches = batches[:limit]
	}

	return mcp.NewToolResultText(formatBatches(batches)), nil
}
