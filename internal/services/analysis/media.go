package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/models"
)

// ErrMediaMissing is returned when a batch references chunk files that no longer exist
var ErrMediaMissing = errors.New("batch media missing")

// MediaAssembler turns a batch's chunk records into the payload handed to a provider
type MediaAssembler interface {
	Assemble(ctx context.Context, batch *models.Batch, chunks []models.Chunk) (*models.MediaPayload, error)
}

// MediaReclaimer removes media files that are no longer referenced
type MediaReclaimer interface {
	Reclaim(ctx context.Context, paths []string) int
}

// FileMediaAssembler checks chunk files on local disk. Relative paths resolve against the media dir.
type FileMediaAssembler struct {
	mediaDir string
}

func NewFileMediaAssembler(mediaDir string) *FileMediaAssembler {
	return &FileMediaAssembler{mediaDir: mediaDir}
}

func (a *FileMediaAssembler) Assemble(ctx context.Context, batch *models.Batch, chunks []models.Chunk) (*models.MediaPayload, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("batch %s has no chunks: %w", batch.ID, ErrMediaMissing)
	}

	sorted := make([]models.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	payload := &models.MediaPayload{
		BatchID:  batch.ID,
		Start:    batch.Start,
		End:      batch.End,
		Segments: make([]models.MediaSegment, 0, len(sorted)),
	}

	for _, chunk := range sorted {
		if chunk.Deleted {
			return nil, fmt.Errorf("chunk %s was removed by retention: %w", chunk.ID, ErrMediaMissing)
		}
		path := resolvePath(a.mediaDir, chunk.Path)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Size() == 0 {
			return nil, fmt.Errorf("chunk %s file %s: %w", chunk.ID, path, ErrMediaMissing)
		}
		payload.Segments = append(payload.Segments, models.MediaSegment{
			ChunkID: chunk.ID,
			Path:    path,
			Start:   chunk.Start,
			End:     chunk.End,
		})
	}

	return payload, nil
}

// FileReclaimer deletes files from local disk, ignoring ones already gone
type FileReclaimer struct {
	mediaDir string
	logger   arbor.ILogger
}

func NewFileReclaimer(mediaDir string, logger arbor.ILogger) *FileReclaimer {
	return &FileReclaimer{mediaDir: mediaDir, logger: logger}
}

// Reclaim removes each path and returns how many files were deleted
func (r *FileReclaimer) Reclaim(ctx context.Context, paths []string) int {
	removed := 0
	for _, p := range paths {
		if p == "" {
			continue
		}
		path := resolvePath(r.mediaDir, p)
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn().Err(err).Str("path", path).Msg("Failed to reclaim media file")
			}
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.Debug().Int("removed", removed).Int("requested", len(paths)).Msg("Reclaimed media files")
	}
	return removed
}

func resolvePath(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}
