package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Timeline
	mux.HandleFunc("/api/timeline", s.app.TimelineHandler.DayHandler)         // GET ?day=
	mux.HandleFunc("/api/timeline/range", s.app.TimelineHandler.RangeHandler) // GET ?start=&end=
	mux.HandleFunc("/api/timeline/export", s.app.ExportHandler.DayHandler)    // GET ?day=&format=
	mux.HandleFunc("/api/batches", s.app.TimelineHandler.BatchesHandler)      // GET ?status=
	mux.HandleFunc("/api/reprocess", s.app.ReprocessHandler.ReprocessHandler) // POST {day|batch_ids}

	// API routes - Capture
	mux.HandleFunc("/api/capture", s.app.CaptureHandler.StatusHandler) // GET
	mux.HandleFunc("/api/capture/", byMethod(map[string]http.HandlerFunc{ // POST /{action}
		http.MethodPost: s.app.CaptureHandler.ActionHandler,
	}))

	// API routes - Scheduler
	mux.HandleFunc("/api/jobs", byMethod(map[string]http.HandlerFunc{
		http.MethodGet: s.app.SchedulerHandler.ListJobsHandler,
	}))
	mux.HandleFunc("/api/jobs/", bySuffix("/api/jobs/", s.app.APIHandler.NotFoundHandler, // POST /{name}/trigger
		suffixRoute{suffix: "/trigger", handler: s.app.SchedulerHandler.TriggerJobHandler},
	))

	// MCP (Model Context Protocol) streamable HTTP endpoint
	mux.Handle("/mcp", s.app.MCPServer.Handler())

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}
