package stream

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/logging"
)

// DefaultReorderWindow bounds how many out-of-order chunks the assembler
// buffers per stream before declaring the stream unrecoverable.
const DefaultReorderWindow = 64

// AssemblerOptions configures an Assembler.
type AssemblerOptions struct {
	// ReorderWindow is the per-stream out-of-order buffer size.
	ReorderWindow int
	// Logger receives assembly failures.
	Logger logging.Logger
	// Clock supplies timestamps for idle-stream eviction.
	Clock func() time.Time
}

// Message is one fully assembled stream body.
type Message struct {
	MessageID string
	TraceID   string
	Modality  string
	Payload   []byte
	Chunks    int
	// Truncated marks bodies whose producer closed the stream early. The
	// payload holds whatever arrived before the cut.
	Truncated bool
}

// Assembler reassembles chunk-framed streams. Feed frames in arrival order;
// a non-nil Message is returned exactly once per stream, when its End frame
// and all chunks it accounts for have arrived (or immediately on truncation).
type Assembler struct {
	opts AssemblerOptions

	mu      sync.Mutex
	streams map[string]*assembly
}

// assembly is the per-stream reassembly state.
type assembly struct {
	traceID  string
	modality string
	began    bool

	next    int // next expected 1-based seq_no
	body    bytes.Buffer
	digest  *xxhash.Digest
	pending map[int][]byte
	end     *core.EndFrame

	touched time.Time
}

// apply appends an in-order chunk payload and advances the cursor.
func (asm *assembly) apply(payload []byte) {
	asm.body.Write(payload)
	_, _ = asm.digest.Write(payload)
	asm.next++
}

func (asm *assembly) sum() uint64 { return asm.digest.Sum64() }

// NewAssembler creates an Assembler.
func NewAssembler(optFns ...func(o *AssemblerOptions)) *Assembler {
	opts := AssemblerOptions{
		ReorderWindow: DefaultReorderWindow,
		Logger:        logging.NoOpLogger{},
		Clock:         time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Assembler{opts: opts, streams: make(map[string]*assembly)}
}

// Feed processes one frame. It returns (nil, nil) while the stream is still
// incomplete. Protocol violations discard the stream's state and return an
// error; subsequent frames for that message id are treated as a new stream.
func (a *Assembler) Feed(f core.Frame) (*Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch fr := f.(type) {
	case core.BeginFrame:
		return a.feedBegin(fr)
	case core.ChunkFrame:
		return a.feedChunk(fr)
	case core.EndFrame:
		return a.feedEnd(fr)
	default:
		return nil, fmt.Errorf("unknown frame type %T", f)
	}
}

// FeedEnvelope decodes a stream envelope and feeds the contained frame.
func (a *Assembler) FeedEnvelope(env core.Envelope) (*Message, error) {
	f, err := core.DecodeFrame(env)
	if err != nil {
		return nil, err
	}
	return a.Feed(f)
}

// OpenStreams reports how many streams are currently mid-assembly.
func (a *Assembler) OpenStreams() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

// Expired describes one stream discarded by EvictIdle.
type Expired struct {
	MessageID string
	// Err is non-nil when the stream already held its End frame, meaning
	// chunks the producer accounted for were lost in transit. Streams that
	// never saw an End frame (crashed producer) expire with a nil Err.
	Err error
}

// EvictIdle discards streams that have not seen a frame for at least maxAge.
// Producers that crash before sending any End frame leave state behind;
// callers run this periodically and inspect the returned errors.
func (a *Assembler) EvictIdle(maxAge time.Duration) []Expired {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.opts.Clock().Add(-maxAge)
	var expired []Expired
	for id, asm := range a.streams {
		if !asm.touched.Before(cutoff) {
			continue
		}
		delete(a.streams, id)
		ex := Expired{MessageID: id}
		if asm.end != nil {
			received := asm.next - 1
			ex.Err = fmt.Errorf("stream %s: %d of %d declared chunks arrived: %w",
				id, received, asm.end.TotalChunks, core.ErrChecksumMismatch)
			a.opts.Logger.Error("stream %s incomplete at eviction: %d of %d chunks arrived",
				id, received, asm.end.TotalChunks)
		} else {
			a.opts.Logger.Warn("discarding idle stream %s (%d chunks buffered)", id, asm.next-1)
		}
		expired = append(expired, ex)
	}
	return expired
}

func (a *Assembler) feedBegin(f core.BeginFrame) (*Message, error) {
	asm := a.stream(f.MessageID)
	asm.began = true
	asm.traceID = f.TraceID
	asm.modality = f.Modality
	// A reordered Begin can be the last frame to arrive.
	return a.tryComplete(f.MessageID, asm)
}

func (a *Assembler) feedChunk(f core.ChunkFrame) (*Message, error) {
	if f.SeqNo < 1 {
		return nil, fmt.Errorf("stream %s: %w", f.MessageID, core.NewValidationError("seq_no", "must be >= 1"))
	}
	asm := a.stream(f.MessageID)

	switch {
	case f.SeqNo == asm.next:
		asm.apply(f.Payload)
		for {
			payload, ok := asm.pending[asm.next]
			if !ok {
				break
			}
			delete(asm.pending, asm.next)
			asm.apply(payload)
		}
	case f.SeqNo > asm.next:
		if len(asm.pending) >= a.opts.ReorderWindow {
			delete(a.streams, f.MessageID)
			return nil, fmt.Errorf("stream %s: %w", f.MessageID, core.ErrReorderOverflow)
		}
		asm.pending[f.SeqNo] = append([]byte(nil), f.Payload...)
	default:
		// Duplicate delivery of an already applied chunk; at-least-once
		// transports make this routine.
	}
	return a.tryComplete(f.MessageID, asm)
}

func (a *Assembler) feedEnd(f core.EndFrame) (*Message, error) {
	asm := a.stream(f.MessageID)
	end := f
	asm.end = &end

	if f.Truncated {
		delete(a.streams, f.MessageID)
		return &Message{
			MessageID: f.MessageID,
			TraceID:   asm.traceID,
			Modality:  asm.modality,
			Payload:   append([]byte(nil), asm.body.Bytes()...),
			Chunks:    asm.next - 1,
			Truncated: true,
		}, nil
	}
	return a.tryComplete(f.MessageID, asm)
}

// tryComplete finalizes the stream once the Begin frame, the End frame and
// every chunk the End accounts for have arrived. Begin supplies the modality
// and trace id, so completion waits for it like for any chunk.
func (a *Assembler) tryComplete(messageID string, asm *assembly) (*Message, error) {
	if asm.end == nil || !asm.began {
		return nil, nil
	}
	received := asm.next - 1
	if received < asm.end.TotalChunks {
		return nil, nil
	}
	delete(a.streams, messageID)

	if received > asm.end.TotalChunks {
		return nil, fmt.Errorf("stream %s: %d chunks for declared %d: %w",
			messageID, received, asm.end.TotalChunks, core.ErrChecksumMismatch)
	}
	if sum := formatChecksum(asm.sum()); asm.end.Checksum != "" && sum != asm.end.Checksum {
		a.opts.Logger.Error("stream %s checksum mismatch: got %s want %s", messageID, sum, asm.end.Checksum)
		return nil, fmt.Errorf("stream %s: %w", messageID, core.ErrChecksumMismatch)
	}
	return &Message{
		MessageID: messageID,
		TraceID:   asm.traceID,
		Modality:  asm.modality,
		Payload:   append([]byte(nil), asm.body.Bytes()...),
		Chunks:    received,
	}, nil
}

// stream returns the assembly for the message id, creating it when absent.
// Chunks may legitimately arrive before their Begin frame on a reordering
// transport, so creation is not tied to Begin.
func (a *Assembler) stream(messageID string) *assembly {
	asm, ok := a.streams[messageID]
	if !ok {
		asm = &assembly{next: 1, pending: make(map[int][]byte), digest: newDigest()}
		a.streams[messageID] = asm
	}
	asm.touched = a.opts.Clock()
	return asm
}
