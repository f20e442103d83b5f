package serialframe

import (
	"fmt"

	"github.com/pkg/term"
)

// Port opens a serial device. It is the Framer's default sink/source
// when talking to real hardware; tests substitute a pty pair instead.
type Port struct {
	t *term.Term
}

// OpenPort opens devicePath at baud bps in raw mode.
func OpenPort(devicePath string, baud int) (*Port, error) {
	t, err := term.Open(devicePath, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("serialframe: open %s: %w", devicePath, err)
	}
	if baud != 0 {
		if err := t.SetSpeed(baud); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("serialframe: set speed %d on %s: %w", baud, devicePath, err)
		}
	}
	return &Port{t: t}, nil
}

func (p *Port) Read(b []byte) (int, error)  { return p.t.Read(b) }
func (p *Port) Write(b []byte) (int, error) { return p.t.Write(b) }

// Close closes the underlying device, which unblocks the Framer's
// background reader.
func (p *Port) Close() error { return p.t.Close() }
