package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

const selectCallLog = `
	SELECT id, started_at, provider, model, operation, batch_id, attempt, duration_ms,
	       success, error_class, error, request_size, response_size, request, response
	FROM call_log`

// AuditLogger implements interfaces.AuditLogger using SQLite
type AuditLogger struct {
	db          *SQLiteDB
	logPayloads bool
	logger      arbor.ILogger
}

// NewAuditLogger creates a new SQLite-based provider call logger.
// Request and response text is only stored when logPayloads is set.
func NewAuditLogger(db *SQLiteDB, logPayloads bool, logger arbor.ILogger) interfaces.AuditLogger {
	return &AuditLogger{
		db:          db,
		logPayloads: logPayloads,
		logger:      logger,
	}
}

// LogCall stores one provider call attempt
func (l *AuditLogger) LogCall(ctx context.Context, entry models.CallLog) error {
	if entry.ID == "" {
		entry.ID = common.NewCallLogID()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now()
	}

	var request, response string
	if l.logPayloads {
		request = entry.Request
		response = entry.Response
	}

	insertSQL := `
		INSERT INTO call_log (id, started_at, provider, model, operation, batch_id, attempt, duration_ms,
		                      success, error_class, error, request_size, response_size, request, response)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := l.db.DB().ExecContext(ctx, insertSQL,
		entry.ID,
		entry.StartedAt.UTC().Format(time.RFC3339Nano),
		entry.Provider,
		entry.Model,
		string(entry.Operation),
		entry.BatchID,
		entry.Attempt,
		entry.Duration.Milliseconds(),
		entry.Success,
		entry.ErrorClass,
		entry.Error,
		entry.RequestSize,
		entry.ResponseSize,
		request,
		response,
	)
	if err != nil {
		l.logger.Error().
			Err(err).
			Str("provider", entry.Provider).
			Str("operation", string(entry.Operation)).
			Msg("Failed to insert call log entry")
		return fmt.Errorf("failed to insert call log: %w", err)
	}

	return nil
}

// GetLogs retrieves the most recent call logs
func (l *AuditLogger) GetLogs(ctx context.Context, limit int) ([]models.CallLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.DB().QueryContext(ctx, selectCallLog+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call logs: %w", err)
	}
	defer rows.Close()
	return scanCallLogs(rows)
}

// GetLogsForBatch retrieves every call made on behalf of a batch, oldest first
func (l *AuditLogger) GetLogsForBatch(ctx context.Context, batchID string) ([]models.CallLog, error) {
	rows, err := l.db.DB().QueryContext(ctx, selectCallLog+` WHERE batch_id = ? ORDER BY started_at ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query call logs for batch: %w", err)
	}
	defer rows.Close()
	return scanCallLogs(rows)
}

// ExportToJSON writes every call log as a JSON array
func (l *AuditLogger) ExportToJSON(ctx context.Context, w io.Writer) error {
	rows, err := l.db.DB().QueryContext(ctx, selectCallLog+` ORDER BY started_at ASC`)
	if err != nil {
		return fmt.Errorf("failed to query call logs for export: %w", err)
	}
	defer rows.Close()

	logs, err := scanCallLogs(rows)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(logs); err != nil {
		return fmt.Errorf("failed to encode call logs: %w", err)
	}

	l.logger.Debug().Int("count", len(logs)).Msg("Exported call logs to JSON")
	return nil
}

// Close closes the underlying database
func (l *AuditLogger) Close() error {
	return l.db.Close()
}

func scanCallLogs(rows *sql.Rows) ([]models.CallLog, error) {
	var logs []models.CallLog
	for rows.Next() {
		var entry models.CallLog
		var startedAt, operation string
		var model, batchID, errorClass, errorMsg, request, response sql.NullString
		var durationMs int64

		err := rows.Scan(
			&entry.ID,
			&startedAt,
			&entry.Provider,
			&model,
			&operation,
			&batchID,
			&entry.Attempt,
			&durationMs,
			&entry.Success,
			&errorClass,
			&errorMsg,
			&entry.RequestSize,
			&entry.ResponseSize,
			&request,
			&response,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call log row: %w", err)
		}

		entry.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		entry.Operation = models.CallOperation(operation)
		entry.Duration = time.Duration(durationMs) * time.Millisecond
		entry.Model = model.String
		entry.BatchID = batchID.String
		entry.ErrorClass = errorClass.String
		entry.Error = errorMsg.String
		entry.Request = request.String
		entry.Response = response.String

		logs = append(logs, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call log rows: %w", err)
	}
	return logs, nil
}

// NullAuditLogger discards call logs when the audit store is disabled
type NullAuditLogger struct{}

// NewNullAuditLogger creates a no-op audit logger
func NewNullAuditLogger() interfaces.AuditLogger {
	return &NullAuditLogger{}
}

func (n *NullAuditLogger) LogCall(ctx context.Context, entry models.CallLog) error {
	return nil
}

func (n *NullAuditLogger) GetLogs(ctx context.Context, limit int) ([]models.CallLog, error) {
	return nil, nil
}

func (n *NullAuditLogger) GetLogsForBatch(ctx context.Context, batchID string) ([]models.CallLog, error) {
	return nil, nil
}

func (n *NullAuditLogger) Close() error {
	return nil
}
