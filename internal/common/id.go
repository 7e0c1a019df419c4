package common

import (
	"github.com/google/uuid"
)

// NewChunkID generates a unique chunk ID with the "chk_" prefix
func NewChunkID() string {
	return "chk_" + uuid.New().String()
}

// NewBatchID generates a unique batch ID with the "bat_" prefix
func NewBatchID() string {
	return "bat_" + uuid.New().String()
}

// NewObservationID generates a unique observation ID with the "obs_" prefix
func NewObservationID() string {
	return "obs_" + uuid.New().String()
}

// NewCardID generates a unique timeline card ID with the "card_" prefix
// Card IDs are not stable across regeneration; display reads go through range or day queries.
func NewCardID() string {
	return "card_" + uuid.New().String()
}

// NewCallLogID generates a unique provider call log ID with the "call_" prefix
func NewCallLogID() string {
	return "call_" + uuid.New().String()
}
