package stream

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/logging"
	"github.com/hupe1980/agentbus/telemetry"
)

// EmitterOptions configures an Emitter.
type EmitterOptions struct {
	// Destination is the default transport destination for emitted frames.
	// Stream frames are broadcast events; interested consumers subscribe
	// without a queue group.
	Destination string
	// Logger receives stream lifecycle events.
	Logger logging.Logger
	// Clock supplies timestamps for stream duration accounting.
	Clock func() time.Time
}

// Emitter produces protocol-correct chunk streams over a transport. One
// emitter serves many concurrent streams; message ids must be unique among
// streams that are open at the same time.
type Emitter struct {
	transport core.Transport
	opts      EmitterOptions

	mu   sync.Mutex
	open map[string]*Stream
}

// NewEmitter creates an Emitter.
func NewEmitter(transport core.Transport, optFns ...func(o *EmitterOptions)) *Emitter {
	opts := EmitterOptions{
		Destination: "agentbus.streams",
		Logger:      logging.NoOpLogger{},
		Clock:       time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Emitter{transport: transport, opts: opts, open: make(map[string]*Stream)}
}

// StreamOptions tunes one opened stream.
type StreamOptions struct {
	// Modality labels the payload kind, e.g. "text" or "json".
	Modality string
	// TraceID propagates the originating trace onto the Begin frame.
	TraceID string
	// ExpectedChunks, when known up front, lets consumers preallocate. It is
	// advisory; the End frame carries the authoritative count.
	ExpectedChunks *int
	// Destination overrides the emitter default for this stream.
	Destination string
}

// Open begins a new logical stream and publishes its Begin frame. Opening a
// message id that is already open returns core.ErrDuplicateStream.
func (e *Emitter) Open(ctx context.Context, messageID string, optFns ...func(o *StreamOptions)) (*Stream, error) {
	if messageID == "" {
		messageID = core.NewID()
	}
	opts := StreamOptions{Modality: "text", Destination: e.opts.Destination}
	for _, fn := range optFns {
		fn(&opts)
	}

	e.mu.Lock()
	if _, dup := e.open[messageID]; dup {
		e.mu.Unlock()
		return nil, core.ErrDuplicateStream
	}
	s := &Stream{
		emitter:     e,
		messageID:   messageID,
		destination: opts.Destination,
		hash:        newDigest(),
		openedAt:    e.opts.Clock(),
	}
	e.open[messageID] = s
	e.mu.Unlock()

	begin := core.BeginFrame{
		MessageID:      messageID,
		TraceID:        opts.TraceID,
		Modality:       opts.Modality,
		ExpectedChunks: opts.ExpectedChunks,
	}
	if err := e.publish(ctx, opts.Destination, begin); err != nil {
		e.forget(messageID)
		return nil, err
	}
	return s, nil
}

func (e *Emitter) publish(ctx context.Context, destination string, f core.Frame) error {
	env, err := core.EncodeFrame(f)
	if err != nil {
		return err
	}
	env = telemetry.Stamp(ctx, env)
	return e.transport.Publish(ctx, destination, env)
}

func (e *Emitter) forget(messageID string) {
	e.mu.Lock()
	delete(e.open, messageID)
	e.mu.Unlock()
}

// Stream is one open logical stream. Methods are safe for concurrent use,
// though chunk order follows call order, so interleaved pushes from multiple
// goroutines need external coordination to be meaningful.
type Stream struct {
	emitter     *Emitter
	messageID   string
	destination string
	openedAt    time.Time

	mu     sync.Mutex
	seq    int
	hash   *xxhash.Digest
	closed bool
}

// MessageID returns the stream's message id.
func (s *Stream) MessageID() string { return s.messageID }

// Push emits the next chunk. Pushing to a closed stream returns
// core.ErrStreamClosed.
func (s *Stream) Push(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStreamClosed
	}
	return s.pushLocked(ctx, payload)
}

func (s *Stream) pushLocked(ctx context.Context, payload []byte) error {
	next := s.seq + 1
	chunk := core.ChunkFrame{
		MessageID: s.messageID,
		SeqNo:     next,
		Payload:   payload,
		IsPartial: true,
	}
	if err := s.emitter.publish(ctx, s.destination, chunk); err != nil {
		return err
	}
	// The chunk is on the wire; account for it even if a later push fails.
	s.seq = next
	_, _ = s.hash.Write(payload)
	return nil
}

// Close terminates the stream successfully. A stream that never carried a
// chunk gets a single empty one first, so consumers always see at least one
// chunk per stream. Closing twice returns core.ErrStreamClosed.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStreamClosed
	}
	if s.seq == 0 {
		if err := s.pushLocked(ctx, nil); err != nil {
			return err
		}
	}
	return s.endLocked(ctx, false)
}

// CloseTruncated terminates the stream with the truncation marker, telling
// assemblers the producer gave up (crash, timeout, budget exhaustion) and
// that the body is incomplete by design rather than by loss.
func (s *Stream) CloseTruncated(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStreamClosed
	}
	return s.endLocked(ctx, true)
}

func (s *Stream) endLocked(ctx context.Context, truncated bool) error {
	end := core.EndFrame{
		MessageID:   s.messageID,
		TotalChunks: s.seq,
		Checksum:    formatChecksum(s.hash.Sum64()),
		Final:       true,
		Truncated:   truncated,
	}
	if err := s.emitter.publish(ctx, s.destination, end); err != nil {
		return err
	}
	s.closed = true
	s.emitter.forget(s.messageID)

	dur := s.emitter.opts.Clock().Sub(s.openedAt)
	if bl, ok := s.emitter.opts.Logger.(*logging.BusLogger); ok {
		bl.LogStreamClose(s.messageID, s.seq, truncated, dur)
	} else if truncated {
		s.emitter.opts.Logger.Warn("stream %s truncated after %d chunks", s.messageID, s.seq)
	}
	return nil
}
