// Package serialframe implements the length-prefixed, CRC-checked,
// COBS-framed command/reply protocol between this host and the
// downstream microcontroller.
package serialframe

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// MaxBufferedBlock is the reply accumulation ceiling: if no 0x00
// terminator arrives within this many bytes, the in-progress block is
// discarded rather than treated as an error.
const MaxBufferedBlock = 256

// replyQueueDepth bounds how many decoded reply frames PollReply may have
// backlogged before the reader goroutine starts dropping the oldest.
const replyQueueDepth = 16

// Framer encodes command frames onto a byte sink and, if a reader is
// supplied, decodes reply frames from it in the background so PollReply
// never blocks the caller.
type Framer struct {
	sinkMu sync.Mutex
	sink   io.Writer

	log *log.Logger

	crcErrors      atomic.Uint64
	unknownReplies atomic.Uint64

	replies chan Frame
	done    chan struct{}
}

// New builds a Framer over sink (writes) and, if rd is non-nil, starts a
// background goroutine decoding reply frames from rd.
func New(sink io.Writer, rd io.Reader) *Framer {
	f := &Framer{
		sink:    sink,
		log:     log.With("component", "serialframe"),
		replies: make(chan Frame, replyQueueDepth),
		done:    make(chan struct{}),
	}
	if rd != nil {
		go f.readLoop(rd)
	} else {
		close(f.done)
	}
	return f
}

// Send builds the frame for (typ, payload) and writes it to the sink.
// Writes are fire-and-forget: partial writes are retried until complete
// or until the sink errors; no acknowledgement is awaited.
func (f *Framer) Send(typ FrameType, payload []byte) error {
	encoded, err := Encode(Frame{Type: typ, Payload: payload})
	if err != nil {
		return err
	}

	f.sinkMu.Lock()
	defer f.sinkMu.Unlock()

	for len(encoded) > 0 {
		n, err := f.sink.Write(encoded)
		if err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

// PollReply returns a validated reply frame if one has fully arrived since
// the last call. Non-blocking.
func (f *Framer) PollReply() (Frame, bool) {
	select {
	case fr := <-f.replies:
		return fr, true
	default:
		return Frame{}, false
	}
}

// CRCErrorCount is a running counter of reply frames dropped as
// malformed or failing their CRC.
func (f *Framer) CRCErrorCount() uint64 { return f.crcErrors.Load() }

// UnknownReplyCount is a running counter of reply frames with a type
// this host doesn't recognize.
func (f *Framer) UnknownReplyCount() uint64 { return f.unknownReplies.Load() }

// readLoop accumulates bytes up to a 0x00 delimiter or MaxBufferedBlock,
// then attempts to decode and validate a Frame.
func (f *Framer) readLoop(rd io.Reader) {
	defer close(f.done)

	br := bufio.NewReader(rd)
	var block []byte

	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}

		if b == 0x00 {
			if len(block) > 0 {
				f.deliver(block)
			}
			block = block[:0]
			continue
		}

		block = append(block, b)
		if len(block) > MaxBufferedBlock {
			// Missing terminator is not an error; discard and resync.
			block = block[:0]
		}
	}
}

func (f *Framer) deliver(block []byte) {
	fr, ok := Decode(block)
	if !ok {
		f.crcErrors.Add(1)
		return
	}

	switch fr.Type {
	case InitReady, Status:
		// recognized reply types, fall through to enqueue
	default:
		f.unknownReplies.Add(1)
		return
	}

	select {
	case f.replies <- fr:
	default:
		// Queue full: replies are informational only, drop the oldest
		// to make room.
		select {
		case <-f.replies:
		default:
		}
		select {
		case f.replies <- fr:
		default:
		}
	}
}

// Close stops the background reader, if any, and returns once it has
// exited.
func (f *Framer) Close() {
	<-f.done
}
