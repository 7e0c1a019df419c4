package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// createGetTimelineDayTool returns the get_timeline_day tool definition
func createGetTimelineDayTool() mcp.Tool {
	return mcp.NewTool("get_timeline_day",
		mcp.WithDescription("Get the activity timeline cards for one day"),
		mcp.WithString("day",
			mcp.Description("Day in YYYY-MM-DD format (default: today). Captures before the configured day start hour belong to the previous day."),
		),
	)
}

// createGetTimelineRangeTool returns the get_timeline_range tool definition
func createGetTimelineRangeTool() mcp.Tool {
	return mcp.NewTool("get_timeline_range",
		mcp.WithDescription("Get the activity timeline cards intersecting a time range"),
		mcp.WithString("start",
			mcp.Required(),
			mcp.Description("Range start, RFC3339 (e.g. 2026-03-10T08:00:00+01:00)"),
		),
		mcp.WithString("end",
			mcp.Required(),
			mcp.Description("Range end, RFC3339, exclusive"),
		),
	)
}

// createListFailedBatchesTool returns the list_failed_batches tool definition
func createListFailedBatchesTool() mcp.Tool {
	return mcp.NewTool("list_failed_batches",
		mcp.WithDescription("List analysis batches that failed, with the reason for each"),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 20, max: 200)"),
		),
	)
}
