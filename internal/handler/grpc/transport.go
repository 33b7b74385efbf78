package grpc

import "google.golang.org/grpc"

// streamTransport adapts a grpc.ServerStream carrying rawCodec-encoded
// frames to session.Transport.
type streamTransport struct {
	stream grpc.ServerStream
}

func (t *streamTransport) ReadFrame() ([]byte, error) {
	var frame []byte
	if err := t.stream.RecvMsg(&frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (t *streamTransport) WriteFrame(b []byte) error {
	return t.stream.SendMsg(b)
}

// Close is a no-op: an HTTP/2 stream's lifetime is governed by the
// handler goroutine returning, not an explicit close call, §4.1 "the
// server stream ends when the streaming RPC handler returns."
func (t *streamTransport) Close() error { return nil }
