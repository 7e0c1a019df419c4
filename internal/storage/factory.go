package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/storage/badger"
	"github.com/ternarybob/recap/internal/storage/sqlite"
)

// NewStorageManager creates the Badger storage manager for chunks, batches, observations and cards
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	return badger.NewManager(logger, &config.Storage.Badger, &config.Timeline)
}

// NewAuditLogger creates the provider call log, or a no-op logger when disabled
func NewAuditLogger(logger arbor.ILogger, config *common.Config) (interfaces.AuditLogger, error) {
	if !config.Storage.Audit.Enabled {
		logger.Debug().Msg("Provider call audit disabled")
		return sqlite.NewNullAuditLogger(), nil
	}

	db, err := sqlite.NewSQLiteDB(logger, config.Storage.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return sqlite.NewAuditLogger(db, config.Storage.Audit.LogPayloads, logger), nil
}
