package badger

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db          *BadgerDB
	chunk       interfaces.ChunkStorage
	batch       interfaces.BatchStorage
	observation interfaces.ObservationStorage
	timeline    interfaces.TimelineStorage
	logger      arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig, timeline *common.TimelineConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := newManager(db, logger, timeline.DayStartHour)

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

func newManager(db *BadgerDB, logger arbor.ILogger, dayStartHour int) *Manager {
	return &Manager{
		db:          db,
		chunk:       NewChunkStorage(db, logger),
		batch:       NewBatchStorage(db, logger),
		observation: NewObservationStorage(db, logger),
		timeline:    NewTimelineStorage(db, logger, dayStartHour),
		logger:      logger,
	}
}

// ChunkStorage returns the Chunk storage interface
func (m *Manager) ChunkStorage() interfaces.ChunkStorage {
	return m.chunk
}

// BatchStorage returns the Batch storage interface
func (m *Manager) BatchStorage() interfaces.BatchStorage {
	return m.batch
}

// ObservationStorage returns the Observation storage interface
func (m *Manager) ObservationStorage() interfaces.ObservationStorage {
	return m.observation
}

// TimelineStorage returns the Timeline storage interface
func (m *Manager) TimelineStorage() interfaces.TimelineStorage {
	return m.timeline
}

// DB returns the underlying badger database, shared with the durable analysis queue
func (m *Manager) DB() *badger.DB {
	return m.db.Store().Badger()
}

// Close closes the database connection
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing Badger storage manager")
	return m.db.Close()
}
