package core

import (
	"errors"
	"testing"
)

func TestFrame_EnvelopeRoundTrip(t *testing.T) {
	expected := 3
	frames := []Frame{
		BeginFrame{MessageID: "m1", TraceID: "t1", Modality: "text", ExpectedChunks: &expected},
		ChunkFrame{MessageID: "m1", SeqNo: 1, Payload: []byte("hello"), IsPartial: true},
		EndFrame{MessageID: "m1", TotalChunks: 1, Checksum: "abc", Final: true},
	}

	for _, f := range frames {
		env, err := EncodeFrame(f)
		if err != nil {
			t.Fatalf("encode %T: %v", f, err)
		}
		decoded, err := DecodeFrame(env)
		if err != nil {
			t.Fatalf("decode %T: %v", f, err)
		}
		if decoded.StreamID() != "m1" {
			t.Errorf("stream id lost in %T round trip", f)
		}
		switch d := decoded.(type) {
		case BeginFrame:
			if d.Modality != "text" || d.ExpectedChunks == nil || *d.ExpectedChunks != 3 {
				t.Errorf("begin frame malformed after round trip: %+v", d)
			}
			if env.TraceID != "t1" {
				t.Error("begin trace id not copied to envelope")
			}
		case ChunkFrame:
			if d.SeqNo != 1 || string(d.Payload) != "hello" || !d.IsPartial {
				t.Errorf("chunk frame malformed after round trip: %+v", d)
			}
		case EndFrame:
			if d.TotalChunks != 1 || d.Checksum != "abc" || !d.Final || d.Truncated {
				t.Errorf("end frame malformed after round trip: %+v", d)
			}
		}
	}
}

func TestDecodeFrame_RejectsNonStreamEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventTypeTaskDelegated, map[string]string{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFrame(env); err == nil {
		t.Error("expected error decoding non-stream envelope")
	}
}

func TestDelegation_ChildDepth(t *testing.T) {
	parent := NewTaskDelegation("product.search", nil)
	parent.CorrelationID = "corr-1"
	parent.TraceID = "trace-1"
	parent.SpanID = "span-1"
	parent.Budget = Budget{MaxTokens: 1000}

	child, err := parent.Child("order.status", nil)
	if err != nil {
		t.Fatalf("child delegation failed: %v", err)
	}
	if child.Depth != parent.Depth-1 {
		t.Errorf("expected depth %d, got %d", parent.Depth-1, child.Depth)
	}
	if child.CorrelationID != "corr-1" || child.TraceID != "trace-1" || child.ParentSpanID != "span-1" {
		t.Errorf("child did not inherit correlation/tracing: %+v", child)
	}
	if child.Budget.MaxTokens != 1000 {
		t.Error("child did not inherit budget")
	}

	exhausted := parent
	exhausted.Depth = 0
	if _, err := exhausted.Child("x.y", nil); !errors.Is(err, ErrDepthExhausted) {
		t.Errorf("expected ErrDepthExhausted, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	if !IsTransient(Transient(base)) {
		t.Error("transient wrap not detected")
	}
	if !IsPermanent(Permanent(base)) {
		t.Error("permanent wrap not detected")
	}
	if IsTransient(Permanent(base)) || IsPermanent(Transient(base)) {
		t.Error("classifications must be disjoint")
	}
	if IsTransient(base) || IsPermanent(base) {
		t.Error("unclassified error misreported")
	}
	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Error("wrapping nil must return nil")
	}
	if !errors.Is(Transient(base), base) {
		t.Error("transient wrapper must unwrap to base error")
	}
}
