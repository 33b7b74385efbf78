package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/syncmesh/hub/internal/apperr"
	"github.com/syncmesh/hub/internal/vclock"
)

var (
	ErrFrameTooLarge   = apperr.ErrFrameTooLarge
	ErrUnsupportedKind = apperr.ErrUnsupportedKind
	ErrDecodeError     = apperr.ErrDecodeError
)

// Encode writes the binary wire form of an Envelope: a 1-byte version, a
// 1-byte kind, length-prefixed strings for the identity fields, the vector
// clock, and the payload. All integers are big-endian.
//
// No stdlib/ecosystem serialization framework fits this bespoke envelope
// (no .proto schema accompanies this protocol and a generic encoder like
// gob couples the wire format to the Go type); hand-rolled encoding/binary
// framing is the pack's own pattern for bespoke session protocols.
func Encode(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(Version)
	buf.WriteByte(byte(e.Kind))

	writeString(&buf, e.ID)
	writeString(&buf, e.TenantID)
	writeString(&buf, e.From)
	writeString(&buf, e.To)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.CreatedAt))
	buf.Write(ts[:])

	writeVClock(&buf, e.VClock)
	writeBytes(&buf, e.Payload)

	if buf.Len() > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, buf.Len(), MaxFrameSize)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. A version mismatch or truncated frame returns
// ErrDecodeError; an unrecognised Kind at a known version returns
// ErrUnsupportedKind so the caller can fail the single message rather than
// the session.
func Decode(raw []byte) (Envelope, error) {
	if len(raw) > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(raw), MaxFrameSize)
	}

	r := bytes.NewReader(raw)

	version, err := r.ReadByte()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: missing version byte", ErrDecodeError)
	}
	if version != Version {
		return Envelope{}, fmt.Errorf("%w: unsupported protocol version %d", ErrDecodeError, version)
	}

	kindByte, err := r.ReadByte()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: missing kind byte", ErrDecodeError)
	}
	kind := Kind(kindByte)
	if kind == KindUnknown || kind > KindControl {
		return Envelope{}, fmt.Errorf("%w: kind %d", ErrUnsupportedKind, kindByte)
	}

	id, err := readString(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: id: %v", ErrDecodeError, err)
	}
	tenantID, err := readString(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: tenant_id: %v", ErrDecodeError, err)
	}
	from, err := readString(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: from: %v", ErrDecodeError, err)
	}
	to, err := readString(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: to: %v", ErrDecodeError, err)
	}

	var ts [8]byte
	if _, err := io.ReadFull(r, ts[:]); err != nil {
		return Envelope{}, fmt.Errorf("%w: created_at: %v", ErrDecodeError, err)
	}
	createdAt := int64(binary.BigEndian.Uint64(ts[:]))

	vc, err := readVClock(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: vclock: %v", ErrDecodeError, err)
	}

	payload, err := readBytes(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: payload: %v", ErrDecodeError, err)
	}

	return Envelope{
		ID:        id,
		TenantID:  tenantID,
		From:      from,
		To:        to,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: createdAt,
		VClock:    vc,
	}, nil
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func writeBytes(buf *bytes.Buffer, b []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(b)))
	buf.Write(length[:])
	buf.Write(b)
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("length %d exceeds remaining %d", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeVClock(buf *bytes.Buffer, vc vclock.VectorClock) {
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(vc)))
	buf.Write(count[:])
	for branch, counter := range vc {
		writeString(buf, branch)
		var cb [8]byte
		binary.BigEndian.PutUint64(cb[:], counter)
		buf.Write(cb[:])
	}
}

func readVClock(r *bytes.Reader) (vclock.VectorClock, error) {
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(count[:])
	vc := make(vclock.VectorClock, n)
	for range n {
		branch, err := readString(r)
		if err != nil {
			return nil, err
		}
		var cb [8]byte
		if _, err := io.ReadFull(r, cb[:]); err != nil {
			return nil, err
		}
		vc[branch] = binary.BigEndian.Uint64(cb[:])
	}
	return vc, nil
}
