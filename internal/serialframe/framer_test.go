package serialframe

import (
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// openLoopback returns a pty pair: write to other, read from master (and
// vice versa), so the Framer can be exercised without real hardware.
func openLoopback(t *testing.T) (master, other *os.File) {
	t.Helper()
	m, o, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
		_ = o.Close()
	})

	// A new pty is in canonical mode: the line discipline holds bytes
	// until a newline and acts on control bytes such as 0x03, so frames
	// would never reach the reader intact. Switch it to raw mode through
	// the master; termios requests on a pty master apply to the pair.
	tio, err := unix.IoctlGetTermios(int(m.Fd()), unix.TCGETS)
	require.NoError(t, err)
	tio.Iflag &^= unix.BRKINT | unix.ICRNL | unix.INPCK | unix.ISTRIP | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Cflag = tio.Cflag&^(unix.CSIZE|unix.PARENB) | unix.CS8
	tio.Lflag &^= unix.ECHO | unix.ICANON | unix.IEXTEN | unix.ISIG
	tio.Cc[unix.VMIN], tio.Cc[unix.VTIME] = 1, 0
	require.NoError(t, unix.IoctlSetTermios(int(m.Fd()), unix.TCSETS, tio))
	return m, o
}

func TestFramerSendIsReceivedAsValidFrame(t *testing.T) {
	master, other := openLoopback(t)

	sendSide := New(master, nil)
	recvSide := New(nil, other)
	// Close the read fd before waiting on the Framer, or the reader
	// goroutine never unblocks.
	t.Cleanup(func() {
		_ = other.Close()
		recvSide.Close()
	})

	require.NoError(t, sendSide.Send(InitReady, []byte("gunfx")))

	var got Frame
	require.Eventually(t, func() bool {
		f, ok := recvSide.PollReply()
		if !ok {
			return false
		}
		got = f
		return true
	}, time.Second, time.Millisecond)

	assert.Equal(t, InitReady, got.Type)
	assert.Equal(t, []byte("gunfx"), got.Payload)
}

// deliver() enqueues only the reply types InitReady and Status; any other
// type that decodes cleanly is counted as unknown and never reaches
// PollReply. This test pins that boundary with a command-only type.
func TestFramerCountsUnknownReplyType(t *testing.T) {
	master, other := openLoopback(t)

	sendSide := New(master, nil)
	recvSide := New(nil, other)
	t.Cleanup(func() {
		_ = other.Close()
		recvSide.Close()
	})

	require.NoError(t, sendSide.Send(ServoSet, []byte{1, 0x00, 0x00}))

	require.Eventually(t, func() bool {
		return recvSide.UnknownReplyCount() == 1
	}, time.Second, time.Millisecond)

	_, ok := recvSide.PollReply()
	assert.False(t, ok, "an unrecognized reply type must not be enqueued")
}

func TestFramerCountsCRCMismatch(t *testing.T) {
	master, other := openLoopback(t)

	recvSide := New(nil, other)
	t.Cleanup(func() {
		_ = other.Close()
		recvSide.Close()
	})

	wire, err := Encode(Frame{Type: Status, Payload: []byte{0x01}})
	require.NoError(t, err)
	wire[3] ^= 0xFF // corrupt a payload byte so CRC no longer matches

	_, err = master.Write(wire)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return recvSide.CRCErrorCount() == 1
	}, time.Second, time.Millisecond)
}
