package dispatch

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/pithecene-io/jpoly/ipc"
)

// Link moves whole frames across a boundary.
type Link interface {
	WriteFrame(payload []byte) error
	ReadFrame() ([]byte, error)
	Close() error
}

// ErrLinkClosed is returned by writes on a closed link.
var ErrLinkClosed = errors.New("link closed")

// streamLink frames a byte stream with the ipc length prefix.
type streamLink struct {
	conn io.ReadWriteCloser
	enc  *ipc.FrameEncoder
	dec  *ipc.FrameDecoder
}

// NewStreamLink wraps a connection in the ipc framing.
func NewStreamLink(conn io.ReadWriteCloser) Link {
	return &streamLink{
		conn: conn,
		enc:  ipc.NewFrameEncoder(conn),
		dec:  ipc.NewFrameDecoder(conn),
	}
}

func (l *streamLink) WriteFrame(payload []byte) error {
	if err := l.enc.WriteFrame(payload); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrLinkClosed
		}
		return err
	}
	return nil
}

func (l *streamLink) ReadFrame() ([]byte, error) {
	return l.dec.ReadFrame()
}

func (l *streamLink) Close() error {
	return l.conn.Close()
}

// pipeState is shared by both ends of a channel pipe.
type pipeState struct {
	once sync.Once
	done chan struct{}
}

func (s *pipeState) close() {
	s.once.Do(func() { close(s.done) })
}

// chanLink is one end of an in-memory frame pipe. Frames are copied on
// write so neither side shares memory with the other.
type chanLink struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

// Pipe returns two connected in-memory links. Closing either end closes both.
// buffer is the per-direction queue depth.
func Pipe(buffer int) (Link, Link) {
	if buffer < 0 {
		buffer = 0
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	state := &pipeState{done: make(chan struct{})}
	return &chanLink{in: ba, out: ab, state: state},
		&chanLink{in: ab, out: ba, state: state}
}

func (l *chanLink) WriteFrame(payload []byte) error {
	if len(payload) > ipc.MaxPayloadSize {
		return &ipc.FrameError{Kind: ipc.FrameErrorTooLarge, Msg: "frame payload exceeds maximum size"}
	}
	select {
	case <-l.state.done:
		return ErrLinkClosed
	default:
	}
	cp := append([]byte(nil), payload...)
	select {
	case l.out <- cp:
		return nil
	case <-l.state.done:
		return ErrLinkClosed
	}
}

func (l *chanLink) ReadFrame() ([]byte, error) {
	select {
	case b := <-l.in:
		return b, nil
	case <-l.state.done:
		return nil, io.EOF
	}
}

func (l *chanLink) Close() error {
	l.state.close()
	return nil
}
