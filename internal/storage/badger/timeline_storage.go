package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

// TimelineStorage implements the TimelineStorage interface for Badger.
// Cards are soft-deleted when superseded so their media paths can be reported back.
type TimelineStorage struct {
	db           *BadgerDB
	logger       arbor.ILogger
	dayStartHour int
	ranges       *common.RangeLock
}

// NewTimelineStorage creates a new TimelineStorage instance
func NewTimelineStorage(db *BadgerDB, logger arbor.ILogger, dayStartHour int) interfaces.TimelineStorage {
	return &TimelineStorage{
		db:           db,
		logger:       logger,
		dayStartHour: dayStartHour,
		ranges:       common.NewRangeLock(),
	}
}

func (s *TimelineStorage) FetchTimelineCardsByTimeRange(ctx context.Context, start, end time.Time) ([]models.TimelineCard, error) {
	var cards []models.TimelineCard
	query := badgerhold.Where("Deleted").Eq(false).
		And("Start").Lt(end).
		And("End").Gt(start).
		SortBy("Start")
	if err := s.db.Store().Find(&cards, query); err != nil {
		return nil, fmt.Errorf("failed to fetch timeline cards: %w", err)
	}
	return cards, nil
}

func (s *TimelineStorage) FetchTimelineCards(ctx context.Context, day string) ([]models.TimelineCard, error) {
	var cards []models.TimelineCard
	query := badgerhold.Where("Day").Eq(day).And("Deleted").Eq(false).SortBy("Start")
	if err := s.db.Store().Find(&cards, query); err != nil {
		return nil, fmt.Errorf("failed to fetch timeline cards for day %s: %w", day, err)
	}
	return cards, nil
}

// ReplaceTimelineCardsInRange swaps the active cards intersecting [start, end) for cards in one
// transaction. Readers see either the old set or the new set, never both and never a gap.
//
// The inserted cards are normalized so the no-overlap invariant holds regardless of provider
// output: cards entirely outside [start, end) are dropped, the rest are clipped to the extent of
// the range plus the removed cards, sorted, and trimmed so they do not overlap each other.
// Applying the same replace twice yields the same active set.
func (s *TimelineStorage) ReplaceTimelineCardsInRange(ctx context.Context, start, end time.Time, cards []models.TimelineCard, ref models.BatchRef) (*models.ReplaceResult, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("invalid replace range: start %s is not before end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	unlock, err := s.ranges.Lock(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to lock range: %w", err)
	}
	defer unlock()

	var result *models.ReplaceResult
	err = s.db.update(func(tx *badger.Txn) error {
		result = &models.ReplaceResult{}

		if !ref.IsZero() {
			if _, err := txCheckBatchRef(s.db, tx, ref); err != nil {
				return err
			}
		}

		var existing []models.TimelineCard
		query := badgerhold.Where("Deleted").Eq(false).
			And("Start").Lt(end).
			And("End").Gt(start)
		if err := s.db.Store().TxFind(tx, &existing, query); err != nil {
			return fmt.Errorf("failed to find cards in range: %w", err)
		}

		extentStart, extentEnd := start, end
		now := time.Now()
		for _, card := range existing {
			if card.Start.Before(extentStart) {
				extentStart = card.Start
			}
			if card.End.After(extentEnd) {
				extentEnd = card.End
			}
			card.Deleted = true
			card.DeletedAt = &now
			if err := s.db.Store().TxUpdate(tx, card.ID, card); err != nil {
				return fmt.Errorf("failed to delete card %s: %w", card.ID, err)
			}
			result.DeletedIDs = append(result.DeletedIDs, card.ID)
			if card.MediaPath != "" {
				result.DeletedMediaPaths = append(result.DeletedMediaPaths, card.MediaPath)
			}
		}

		for _, card := range normalizeCards(cards, start, end, extentStart, extentEnd) {
			card.ID = common.NewCardID()
			if ref.ID != "" {
				card.BatchID = ref.ID
			}
			card.Day = common.DayBucket(card.Start, s.dayStartHour)
			card.Deleted = false
			card.DeletedAt = nil
			card.CreatedAt = now
			if err := s.db.Store().TxInsert(tx, card.ID, card); err != nil {
				return fmt.Errorf("failed to insert card: %w", err)
			}
			result.InsertedIDs = append(result.InsertedIDs, card.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("batch_id", ref.ID).
		Str("start", start.Format(time.RFC3339)).
		Str("end", end.Format(time.RFC3339)).
		Int("deleted", len(result.DeletedIDs)).
		Int("inserted", len(result.InsertedIDs)).
		Msg("Timeline cards replaced")

	return result, nil
}

// DeleteTimelineCards soft-deletes the active cards last written by the batches and
// returns exactly the media paths those cards referenced
func (s *TimelineStorage) DeleteTimelineCards(ctx context.Context, batchIDs []string) ([]string, error) {
	if len(batchIDs) == 0 {
		return nil, nil
	}
	values := make([]interface{}, len(batchIDs))
	for i, id := range batchIDs {
		values[i] = id
	}

	var mediaPaths []string
	var deleted int
	err := s.db.update(func(tx *badger.Txn) error {
		mediaPaths = nil
		deleted = 0

		var cards []models.TimelineCard
		query := badgerhold.Where("BatchID").In(values...).And("Deleted").Eq(false)
		if err := s.db.Store().TxFind(tx, &cards, query); err != nil {
			return fmt.Errorf("failed to find cards for batches: %w", err)
		}
		now := time.Now()
		for _, card := range cards {
			card.Deleted = true
			card.DeletedAt = &now
			if err := s.db.Store().TxUpdate(tx, card.ID, card); err != nil {
				return fmt.Errorf("failed to delete card %s: %w", card.ID, err)
			}
			if card.MediaPath != "" {
				mediaPaths = append(mediaPaths, card.MediaPath)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Int("batches", len(batchIDs)).Int("deleted", deleted).Msg("Timeline cards deleted")
	return mediaPaths, nil
}

// normalizeCards returns a disjoint, sorted set of cards that each intersect [start, end) and
// lie within [extentStart, extentEnd)
func normalizeCards(cards []models.TimelineCard, start, end, extentStart, extentEnd time.Time) []models.TimelineCard {
	candidates := make([]models.TimelineCard, 0, len(cards))
	for _, card := range cards {
		if !card.Start.Before(card.End) || !common.Overlaps(card.Start, card.End, start, end) {
			continue
		}
		if card.Start.Before(extentStart) {
			card.Start = extentStart
		}
		if card.End.After(extentEnd) {
			card.End = extentEnd
		}
		candidates = append(candidates, card)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].Start.Equal(candidates[j].Start) {
			return candidates[i].Start.Before(candidates[j].Start)
		}
		return candidates[i].End.Before(candidates[j].End)
	})

	normalized := make([]models.TimelineCard, 0, len(candidates))
	var cursor time.Time
	for _, card := range candidates {
		if len(normalized) > 0 && card.Start.Before(cursor) {
			card.Start = cursor
		}
		if !card.Start.Before(card.End) || !common.Overlaps(card.Start, card.End, start, end) {
			continue
		}
		normalized = append(normalized, card)
		cursor = card.End
	}
	return normalized
}
