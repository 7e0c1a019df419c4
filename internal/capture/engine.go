package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evSuspend
	evResume
	evGiveUp
	evSessionReady
	evSessionFailed
	evSegmentError
	evCleanupDone
	evRotate
	evRetry
)

func (k eventKind) String() string {
	switch k {
	case evStart:
		return "start"
	case evStop:
		return "stop"
	case evSuspend:
		return "suspend"
	case evResume:
		return "resume"
	case evGiveUp:
		return "give_up"
	case evSessionReady:
		return "session_ready"
	case evSessionFailed:
		return "session_failed"
	case evSegmentError:
		return "segment_error"
	case evCleanupDone:
		return "cleanup_done"
	case evRotate:
		return "rotate"
	case evRetry:
		return "retry"
	default:
		return "unknown"
	}
}

type event struct {
	kind    eventKind
	gen     uint64 // Session generation; completions from an older generation are discarded
	session Session
	err     error
	reason  string
	at      time.Time
}

// Config controls chunking and restart behaviour
type Config struct {
	ChunkDuration  time.Duration
	MediaDir       string
	FileExtension  string
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxRetries     int
	TransientCodes []string
}

// NewConfig builds the engine config from the application config
func NewConfig(cfg *common.Config) Config {
	return Config{
		ChunkDuration:  common.ParseDurationOr(cfg.Capture.ChunkDuration, 15*time.Second),
		MediaDir:       cfg.Storage.Media.Dir,
		FileExtension:  cfg.Capture.FileExtension,
		RetryInitial:   common.ParseDurationOr(cfg.Capture.RetryInitial, 2*time.Second),
		RetryMax:       common.ParseDurationOr(cfg.Capture.RetryMax, time.Minute),
		MaxRetries:     cfg.Capture.MaxRetries,
		TransientCodes: cfg.Capture.TransientCodes,
	}
}

// Engine is the capture state machine. All state is owned by the Run goroutine; the public
// methods only post events. Requests that are not valid in the current state are ignored.
type Engine struct {
	recorder       Recorder
	chunks         interfaces.ChunkStorage
	eventService   interfaces.EventService
	config         Config
	transientCodes map[string]bool
	logger         arbor.ILogger
	now            func() time.Time

	events chan event
	done   chan struct{}

	// Owned by the Run goroutine
	ctx          context.Context
	state        models.CaptureState
	gen          uint64
	session      Session
	segmentID    string
	segmentStart time.Time
	segmentOpen  bool
	rotateTimer  *time.Timer
	retryTimer   *time.Timer
	retryAttempt int
	chunksSaved  int
	pauseReason  string
	lastError    *CaptureError

	mu            sync.RWMutex
	snapshot      models.CaptureStatus
	lastErrorCopy *CaptureError
}

// NewEngine creates a capture engine in the idle state
func NewEngine(recorder Recorder, chunks interfaces.ChunkStorage, eventService interfaces.EventService, config Config, logger arbor.ILogger) *Engine {
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = 15 * time.Second
	}
	if config.FileExtension == "" {
		config.FileExtension = "mp4"
	}
	codes := make(map[string]bool, len(config.TransientCodes))
	for _, c := range config.TransientCodes {
		codes[c] = true
	}

	e := &Engine{
		recorder:       recorder,
		chunks:         chunks,
		eventService:   eventService,
		config:         config,
		transientCodes: codes,
		logger:         logger,
		now:            time.Now,
		events:         make(chan event, 32),
		done:           make(chan struct{}),
		state:          models.CaptureStateIdle,
	}
	e.snapshot = models.CaptureStatus{State: models.CaptureStateIdle, UpdatedAt: e.now()}
	return e
}

// Start requests recording. Accepted from idle and paused.
func (e *Engine) Start() { e.post(event{kind: evStart}) }

// Stop requests the end of recording. Accepted from starting, recording and finishing;
// it also cancels a pending automatic restart.
func (e *Engine) Stop() { e.post(event{kind: evStop}) }

// Suspend reports a system suspend, screen lock or lost display. Accepted from recording.
func (e *Engine) Suspend(reason string) { e.post(event{kind: evSuspend, reason: reason}) }

// Resume restarts recording after a suspend. Accepted from paused.
func (e *Engine) Resume() { e.post(event{kind: evResume}) }

// GiveUp abandons a paused capture. Accepted from paused.
func (e *Engine) GiveUp() { e.post(event{kind: evGiveUp}) }

// Status returns the latest state snapshot
func (e *Engine) Status() models.CaptureStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// LastError returns the last permanent capture error, or nil
func (e *Engine) LastError() *CaptureError {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastErrorCopy == nil {
		return nil
	}
	ce := *e.lastErrorCopy
	return &ce
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Run processes events until ctx is cancelled, then finalizes any in-flight chunk
func (e *Engine) Run(ctx context.Context) {
	e.ctx = ctx
	defer close(e.done)

	e.logger.Info().
		Dur("chunk_duration", e.config.ChunkDuration).
		Str("media_dir", e.config.MediaDir).
		Msg("Capture engine running")

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event) {
	// Completions carry the generation they were started under
	switch ev.kind {
	case evSessionReady, evSessionFailed, evSegmentError, evCleanupDone, evRotate, evRetry:
		if ev.gen != e.gen {
			e.logger.Trace().Str("event", ev.kind.String()).Msg("Discarding stale capture completion")
			if ev.kind == evSessionReady && ev.session != nil {
				_ = ev.session.Close()
			}
			return
		}
	}

	switch ev.kind {
	case evStart:
		if e.state != models.CaptureStateIdle && e.state != models.CaptureStatePaused {
			return
		}
		e.cancelRetry()
		e.retryAttempt = 0
		e.pauseReason = ""
		e.clearLastError()
		e.openSession()

	case evStop:
		if e.retryTimer != nil {
			e.cancelRetry()
			e.gen++
			e.retryAttempt = 0
			e.setState(e.state)
		}
		switch e.state {
		case models.CaptureStateStarting:
			e.gen++
			e.setState(models.CaptureStateFinishing)
			e.setState(models.CaptureStateIdle)
		case models.CaptureStateRecording:
			e.beginFinishing()
		}

	case evSuspend:
		if e.state != models.CaptureStateRecording {
			return
		}
		e.finalizeSegment(e.now())
		e.closeSession()
		e.gen++
		e.pauseReason = ev.reason
		e.setState(models.CaptureStatePaused)
		e.logger.Info().Str("reason", ev.reason).Int("chunks_saved", e.chunksSaved).Msg("Capture paused")

	case evResume:
		if e.state != models.CaptureStatePaused {
			return
		}
		e.pauseReason = ""
		e.retryAttempt = 0
		e.openSession()

	case evGiveUp:
		if e.state != models.CaptureStatePaused {
			return
		}
		e.pauseReason = ""
		e.setState(models.CaptureStateIdle)

	case evSessionReady:
		if e.state != models.CaptureStateStarting {
			_ = ev.session.Close()
			return
		}
		e.session = ev.session
		go e.watch(e.gen, ev.session)
		if err := e.beginSegment(e.now()); err != nil {
			e.fail(err)
			return
		}
		e.setState(models.CaptureStateRecording)
		e.logger.Info().Msg("Capture recording")

	case evSessionFailed:
		if e.state != models.CaptureStateStarting {
			return
		}
		e.fail(ev.err)

	case evSegmentError:
		if e.state != models.CaptureStateRecording && e.state != models.CaptureStateStarting {
			return
		}
		e.fail(ev.err)

	case evRotate:
		if e.state != models.CaptureStateRecording {
			return
		}
		end := e.now()
		if e.finalizeSegment(end) {
			e.retryAttempt = 0
		}
		if err := e.beginSegment(end); err != nil {
			e.fail(err)
			return
		}
		e.publishStatus()

	case evRetry:
		e.retryTimer = nil
		if e.state != models.CaptureStateIdle {
			return
		}
		e.logger.Info().Int("attempt", e.retryAttempt).Msg("Restarting capture")
		e.openSession()

	case evCleanupDone:
		if e.state != models.CaptureStateFinishing {
			return
		}
		e.saveChunk(e.segmentID, e.segmentStart, ev.at, ev.err)
		e.segmentOpen = false
		e.session = nil
		e.setState(models.CaptureStateIdle)
		e.logger.Info().Int("chunks_saved", e.chunksSaved).Msg("Capture stopped")
	}
}

// openSession moves to starting and opens a session in the background
func (e *Engine) openSession() {
	e.gen++
	gen := e.gen
	e.setState(models.CaptureStateStarting)

	ctx := e.ctx
	common.SafeGo(e.logger, "capture-open", func() {
		session, err := e.recorder.Open(ctx)
		if err != nil {
			e.post(event{kind: evSessionFailed, gen: gen, err: err})
			return
		}
		e.post(event{kind: evSessionReady, gen: gen, session: session})
	})
}

// watch forwards asynchronous session errors into the event loop
func (e *Engine) watch(gen uint64, session Session) {
	for err := range session.Errors() {
		e.post(event{kind: evSegmentError, gen: gen, err: err})
	}
}

func (e *Engine) beginSegment(start time.Time) error {
	if err := os.MkdirAll(e.config.MediaDir, 0755); err != nil {
		return NewCaptureError(CodeUnknown, "failed to create media directory: %v", err)
	}

	id := common.NewChunkID()
	if err := e.session.StartSegment(e.segmentPath(id)); err != nil {
		return err
	}
	e.segmentID = id
	e.segmentStart = start
	e.segmentOpen = true

	gen := e.gen
	e.rotateTimer = time.AfterFunc(e.config.ChunkDuration, func() {
		e.post(event{kind: evRotate, gen: gen})
	})
	return nil
}

// finalizeSegment closes the running segment and records it. Returns true for a completed chunk.
func (e *Engine) finalizeSegment(end time.Time) bool {
	e.stopRotation()
	if !e.segmentOpen || e.session == nil {
		return false
	}
	e.segmentOpen = false
	err := e.session.FinishSegment()
	return e.saveChunk(e.segmentID, e.segmentStart, end, err)
}

// beginFinishing finishes the segment off the event loop and reports back with evCleanupDone
func (e *Engine) beginFinishing() {
	e.stopRotation()
	e.setState(models.CaptureStateFinishing)

	session, gen := e.session, e.gen
	end := e.now()
	common.SafeGo(e.logger, "capture-finish", func() {
		var err error
		if session != nil {
			err = session.FinishSegment()
			_ = session.Close()
		}
		e.post(event{kind: evCleanupDone, gen: gen, err: err, at: end})
	})
}

// saveChunk inserts the chunk record; a segment whose finish failed is recorded as failed
func (e *Engine) saveChunk(id string, start, end time.Time, finishErr error) bool {
	if !start.Before(end) {
		return false
	}
	status := models.ChunkStatusCompleted
	if finishErr != nil {
		status = models.ChunkStatusFailed
		e.logger.Warn().Str("chunk_id", id).Err(finishErr).Msg("Segment did not finish cleanly")
	}

	chunk := &models.Chunk{
		ID:     id,
		Start:  start,
		End:    end,
		Path:   filepath.Base(e.segmentPath(id)),
		Status: status,
	}
	if err := e.chunks.InsertChunk(context.WithoutCancel(e.ctx), chunk); err != nil {
		e.logger.Error().Str("chunk_id", id).Err(err).Msg("Failed to record chunk")
		return false
	}

	if status == models.ChunkStatusCompleted {
		e.chunksSaved++
	}
	if e.eventService != nil {
		_ = e.eventService.Publish(e.ctx, interfaces.Event{Type: interfaces.EventChunkSaved, Payload: *chunk})
	}
	return status == models.ChunkStatusCompleted
}

// fail handles an error during starting or recording. Transient errors restart with backoff.
func (e *Engine) fail(err error) {
	ce := classify(err, e.transientCodes)

	if e.state == models.CaptureStateRecording {
		e.finalizeSegment(e.now())
	}
	e.closeSession()
	e.gen++
	e.setState(models.CaptureStateIdle)

	if ce.Transient && e.retryAttempt < e.config.MaxRetries {
		e.retryAttempt++
		delay := e.backoff(e.retryAttempt)
		gen := e.gen
		e.retryTimer = time.AfterFunc(delay, func() {
			e.post(event{kind: evRetry, gen: gen})
		})
		e.logger.Warn().
			Str("code", ce.Code).
			Err(ce).
			Int("attempt", e.retryAttempt).
			Int("max_retries", e.config.MaxRetries).
			Dur("backoff", delay).
			Msg("Transient capture error, scheduling restart")
		e.publishStatus()
		return
	}

	e.retryAttempt = 0
	e.setLastError(ce)
	e.logger.Error().Str("code", ce.Code).Err(ce).Msg("Capture stopped by error")
	if e.eventService != nil {
		_ = e.eventService.Publish(e.ctx, interfaces.Event{
			Type: interfaces.EventCaptureError,
			Payload: map[string]interface{}{
				"code":      ce.Code,
				"message":   ce.Message,
				"transient": ce.Transient,
			},
		})
	}
}

// backoff returns RetryInitial * 2^(attempt-1), capped at RetryMax
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.config.RetryInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.config.RetryMax {
			return e.config.RetryMax
		}
	}
	if e.config.RetryMax > 0 && d > e.config.RetryMax {
		return e.config.RetryMax
	}
	return d
}

func (e *Engine) closeSession() {
	e.stopRotation()
	if e.session != nil {
		_ = e.session.Close()
		e.session = nil
	}
	e.segmentOpen = false
}

func (e *Engine) stopRotation() {
	if e.rotateTimer != nil {
		e.rotateTimer.Stop()
		e.rotateTimer = nil
	}
}

func (e *Engine) cancelRetry() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

func (e *Engine) shutdown() {
	e.cancelRetry()
	if e.state == models.CaptureStateRecording {
		e.finalizeSegment(e.now())
	}
	e.closeSession()
	e.gen++
	if e.state != models.CaptureStateIdle {
		e.setState(models.CaptureStateIdle)
	}
	e.logger.Info().Int("chunks_saved", e.chunksSaved).Msg("Capture engine stopped")
}

func (e *Engine) segmentPath(id string) string {
	return filepath.Join(e.config.MediaDir, id+"."+e.config.FileExtension)
}

func (e *Engine) setState(state models.CaptureState) {
	changed := e.state != state
	e.state = state
	if changed {
		e.logger.Debug().Str("state", string(state)).Msg("Capture state changed")
	}
	e.publishStatus()
}

// publishStatus refreshes the snapshot and notifies subscribers
func (e *Engine) publishStatus() {
	status := models.CaptureStatus{
		State:        e.state,
		ChunksSaved:  e.chunksSaved,
		RetryAttempt: e.retryAttempt,
		PauseReason:  e.pauseReason,
		UpdatedAt:    e.now(),
	}
	if e.state == models.CaptureStateRecording && e.segmentOpen {
		start := e.segmentStart
		status.SegmentStart = &start
	}
	if e.lastError != nil {
		status.LastError = e.lastError.Error()
	}

	e.mu.Lock()
	e.snapshot = status
	e.mu.Unlock()

	if e.eventService != nil {
		_ = e.eventService.Publish(e.ctx, interfaces.Event{Type: interfaces.EventCaptureStateChanged, Payload: status})
	}
}

func (e *Engine) setLastError(ce *CaptureError) {
	e.lastError = ce
	e.mu.Lock()
	e.lastErrorCopy = ce
	e.mu.Unlock()
	e.publishStatus()
}

func (e *Engine) clearLastError() {
	e.lastError = nil
	e.mu.Lock()
	e.lastErrorCopy = nil
	e.mu.Unlock()
}
