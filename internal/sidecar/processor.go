package sidecar

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/opencode-ai/opencode/internal/logging"
)

const (
	DefaultFlushThreshold      = 50
	DefaultFlushIntervalMS     = 5000
	DefaultCheckpointMaxEvents = 20
	DefaultCheckpointMaxSecs   = 300
)

// Summarizer synthesizes a checkpoint summary from a window of events
// (typically an LLM call); kept as a narrow interface so the processor
// doesn't depend on internal/provider directly.
type Summarizer interface {
	Summarize(ctx context.Context, events []SessionEvent) (string, error)
}

// Processor is the dedicated async task of §4.8: buffers incoming events,
// flushes them in batches, and periodically synthesizes checkpoints.
// Grounded on the teacher's compact.go async-flow idiom (background
// goroutine + cenkalti/backoff retry on flush errors).
type Processor struct {
	store      *Store
	summarizer Summarizer

	flushThreshold  int
	flushInterval   time.Duration
	checkpointMaxN  int
	checkpointMaxT  time.Duration

	in       chan SessionEvent
	shutdown chan chan struct{}

	buf           []SessionEvent
	sinceLastFlush time.Time
	windowStart   time.Time
}

func NewProcessor(store *Store, summarizer Summarizer) *Processor {
	p := &Processor{
		store:          store,
		summarizer:     summarizer,
		flushThreshold: DefaultFlushThreshold,
		flushInterval:  DefaultFlushIntervalMS * time.Millisecond,
		checkpointMaxN: DefaultCheckpointMaxEvents,
		checkpointMaxT: DefaultCheckpointMaxSecs * time.Second,
		in:             make(chan SessionEvent, 1024),
		shutdown:       make(chan chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue hands an event from the capture producer to the processor. The
// channel is buffered to 1024 events; when the buffer is full, Enqueue logs a
// warning and then blocks until the processor has taken an event off it.
func (p *Processor) Enqueue(ev SessionEvent) {
	select {
	case p.in <- ev:
	default:
		logging.Logger.Warn().Str("session_id", ev.SessionID).Msg("sidecar: producer far ahead of processor, event queued with delay")
		p.in <- ev
	}
}

func (p *Processor) run() {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	p.sinceLastFlush = time.Now()
	p.windowStart = time.Now()

	for {
		select {
		case ev := <-p.in:
			p.buf = append(p.buf, ev)
			if len(p.buf) >= p.flushThreshold {
				p.flush()
			}
			if p.windowDone() {
				p.checkpoint()
			}
		case <-ticker.C:
			if time.Since(p.sinceLastFlush) >= p.flushInterval && len(p.buf) > 0 {
				p.flush()
			}
		case done := <-p.shutdown:
			if len(p.buf) > 0 {
				p.flush()
			}
			close(done)
			return
		}
	}
}

func (p *Processor) windowDone() bool {
	return len(p.buf) >= p.checkpointMaxN || time.Since(p.windowStart) >= p.checkpointMaxT
}

func (p *Processor) flush() {
	batch := p.buf
	p.buf = nil
	p.sinceLastFlush = time.Now()
	if len(batch) == 0 {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(func() error {
		return p.store.SaveEvents(context.Background(), batch)
	}, b)
	if err != nil {
		// §7 StorageError: logged, never propagated; affected events are
		// dropped rather than blocking the agentic loop.
		logging.Logger.Error().Err(err).Int("count", len(batch)).Msg("sidecar: flush failed, dropping batch")
	}
}

func (p *Processor) checkpoint() {
	if len(p.buf) == 0 {
		p.windowStart = time.Now()
		return
	}
	window := append([]SessionEvent(nil), p.buf...)
	p.windowStart = time.Now()

	if p.summarizer == nil {
		return
	}
	summary, err := p.summarizer.Summarize(context.Background(), window)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("sidecar: checkpoint summarization failed")
		return
	}
	ids := make([]string, len(window))
	files := map[string]bool{}
	for i, ev := range window {
		ids[i] = ev.ID
		for _, f := range ev.FilesModified {
			files[f] = true
		}
	}
	filesTouched := make([]string, 0, len(files))
	for f := range files {
		filesTouched = append(filesTouched, f)
	}

	cp := Checkpoint{
		ID:           uuid.NewString(),
		SessionID:    window[0].SessionID,
		TimestampMS:  time.Now().UnixMilli(),
		Summary:      summary,
		EventIDs:     ids,
		FilesTouched: filesTouched,
	}
	if err := p.store.SaveCheckpoint(context.Background(), cp); err != nil {
		logging.Logger.Error().Err(err).Msg("sidecar: checkpoint persist failed")
	}
}

// Shutdown flushes any remaining buffer and stops the processor goroutine,
// signaling completion via a one-shot channel per §4.8.
func (p *Processor) Shutdown() {
	done := make(chan struct{})
	p.shutdown <- done
	<-done
}
