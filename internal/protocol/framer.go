package protocol

import "bytes"

// MaxLineLength caps a single frame. A device that streams garbage without a
// newline would otherwise grow the buffer forever.
const MaxLineLength = 512

// Framer splits a byte stream into '\n' terminated frames. It keeps any
// trailing partial frame until the rest of it arrives. Not safe for
// concurrent use; the reader goroutine owns it.
type Framer struct {
	buf []byte
}

// Push appends data and returns every complete frame, without the terminator.
// Frames are copies and stay valid after the next Push.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)

	var frames [][]byte
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		frames = append(frames, bytes.Clone(f.buf[:idx]))
		f.buf = f.buf[idx+1:]
	}

	// Overlong partial frame: flush it as-is so the stream can resync.
	if len(f.buf) >= MaxLineLength {
		frames = append(frames, bytes.Clone(f.buf))
		f.buf = f.buf[:0]
	}

	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Pending returns the number of buffered bytes that do not yet form a frame.
func (f *Framer) Pending() int { return len(f.buf) }
