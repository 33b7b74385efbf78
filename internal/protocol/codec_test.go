package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/syncmesh/hub/internal/vclock"
)

func sampleEnvelope(kind Kind, payload []byte) Envelope {
	return Envelope{
		ID:        "env-1",
		TenantID:  "tenant-a",
		From:      "branch-a",
		To:        "branch-b",
		Kind:      kind,
		Payload:   payload,
		CreatedAt: 1234567890,
		VClock:    vclock.VectorClock{"branch-a": 5, "branch-b": 3},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	kinds := []Kind{KindHeartbeat, KindSyncBatch, KindSyncAck, KindSyncNack, KindConflictNotification, KindControl}
	payloads := [][]byte{nil, {}, []byte("x"), bytes.Repeat([]byte("payload"), 100)}

	for _, kind := range kinds {
		for _, payload := range payloads {
			want := sampleEnvelope(kind, payload)
			raw, err := Encode(want)
			if err != nil {
				t.Fatalf("encode(%v, %d bytes): %v", kind, len(payload), err)
			}

			got, err := Decode(raw)
			if err != nil {
				t.Fatalf("decode(%v, %d bytes): %v", kind, len(payload), err)
			}

			if got.ID != want.ID || got.TenantID != want.TenantID || got.From != want.From || got.To != want.To {
				t.Fatalf("identity fields mismatch: got %+v want %+v", got, want)
			}
			if got.Kind != want.Kind || got.CreatedAt != want.CreatedAt {
				t.Fatalf("kind/created_at mismatch: got %+v want %+v", got, want)
			}
			if !vclock.Equal(got.VClock, want.VClock) {
				t.Fatalf("vclock mismatch: got %v want %v", got.VClock, want.VClock)
			}
			if !bytes.Equal(got.Payload, want.Payload) && len(got.Payload)+len(want.Payload) != 0 {
				t.Fatalf("payload mismatch: got %v want %v", got.Payload, want.Payload)
			}
		}
	}
}

func TestEncodeRejectsOversizeFrame(t *testing.T) {
	e := sampleEnvelope(KindSyncBatch, make([]byte, MaxFrameSize+1))
	_, err := Encode(e)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeUnsupportedKindFailsMessageNotSession(t *testing.T) {
	e := sampleEnvelope(KindSyncBatch, []byte("x"))
	raw, err := Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Corrupt the kind byte (index 1, after the version byte) to an
	// unrecognised value at a known protocol version.
	raw[1] = 0xFE

	_, err = Decode(raw)
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	e := sampleEnvelope(KindHeartbeat, nil)
	raw, err := Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw[0] = 99

	_, err = Decode(raw)
	if !errors.Is(err, ErrDecodeError) {
		t.Fatalf("expected ErrDecodeError, got %v", err)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	e := sampleEnvelope(KindHeartbeat, []byte("hello"))
	raw, err := Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, err = Decode(raw[:len(raw)-3])
	if !errors.Is(err, ErrDecodeError) {
		t.Fatalf("expected ErrDecodeError for truncated frame, got %v", err)
	}
}

func TestDecodeRejectsOversizeFrame(t *testing.T) {
	_, err := Decode(make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
