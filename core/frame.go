package core

import (
	"fmt"
)

// Frame represents one element of the chunk-framed stream protocol. Concrete
// frame types implement the unexported isFrame marker enabling a closed set,
// mirroring the discriminated-union style used for schema descriptors.
//
// A logical stream is exactly one BeginFrame, followed by chunk_count >= 1
// ordered ChunkFrames, terminated by exactly one EndFrame. Producers that have
// nothing to stream still emit a single (possibly empty) chunk so that every
// response reaches consumers in the same shape.
type Frame interface {
	isFrame()
	// StreamID returns the message id identifying the logical stream.
	StreamID() string
}

// BeginFrame opens a logical stream.
type BeginFrame struct {
	MessageID      string `json:"message_id"`
	TraceID        string `json:"trace_id,omitempty"`
	Modality       string `json:"modality"`
	ExpectedChunks *int   `json:"expected_chunks,omitempty"` // Advisory only
}

func (BeginFrame) isFrame() {}

// StreamID implements Frame.
func (f BeginFrame) StreamID() string { return f.MessageID }

// ChunkFrame carries one ordered payload segment. SeqNo is 1-based,
// contiguous and unique within a message id.
type ChunkFrame struct {
	MessageID string `json:"message_id"`
	SeqNo     int    `json:"seq_no"`
	Payload   []byte `json:"payload"`
	IsPartial bool   `json:"is_partial"`
}

func (ChunkFrame) isFrame() {}

// StreamID implements Frame.
func (f ChunkFrame) StreamID() string { return f.MessageID }

// EndFrame closes a logical stream. TotalChunks must equal the number of
// chunks actually emitted; Checksum is a running hash over the ordered chunk
// payloads. Truncated marks streams abandoned by a crashed or timed-out
// producer so assemblers can distinguish "completed" from "gave up" instead
// of hanging.
type EndFrame struct {
	MessageID   string `json:"message_id"`
	TotalChunks int    `json:"total_chunks"`
	Checksum    string `json:"checksum,omitempty"`
	Final       bool   `json:"final"`
	Truncated   bool   `json:"truncated,omitempty"`
}

func (EndFrame) isFrame() {}

// StreamID implements Frame.
func (f EndFrame) StreamID() string { return f.MessageID }

// EncodeFrame wraps a frame in an envelope of the matching stream event type.
func EncodeFrame(f Frame) (Envelope, error) {
	switch fr := f.(type) {
	case BeginFrame:
		env, err := NewEnvelope(EventTypeStreamBegin, fr)
		if err != nil {
			return Envelope{}, err
		}
		env.TraceID = fr.TraceID
		return env, nil
	case ChunkFrame:
		return NewEnvelope(EventTypeStreamChunk, fr)
	case EndFrame:
		return NewEnvelope(EventTypeStreamEnd, fr)
	default:
		return Envelope{}, fmt.Errorf("unknown frame type %T", f)
	}
}

// DecodeFrame extracts a frame from a stream envelope. Envelopes carrying a
// non-stream event type yield an error.
func DecodeFrame(env Envelope) (Frame, error) {
	switch env.EventType {
	case EventTypeStreamBegin:
		var f BeginFrame
		if err := env.DecodePayload(&f); err != nil {
			return nil, err
		}
		return f, nil
	case EventTypeStreamChunk:
		var f ChunkFrame
		if err := env.DecodePayload(&f); err != nil {
			return nil, err
		}
		return f, nil
	case EventTypeStreamEnd:
		var f EndFrame
		if err := env.DecodePayload(&f); err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("envelope %s is not a stream frame", env.EventType)
	}
}
