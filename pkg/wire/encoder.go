package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Encoder writes frames to a connection. Unlike Decoder, it has no
// resumable state: each WriteFrame call produces one complete frame on
// the wire, because net.Conn.Write already blocks until the kernel has
// accepted the bytes.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteFrame writes the control frame followed by exactly streamLen
// bytes read from stream. Pass a nil stream and streamLen 0 for
// control-only replies.
func (e *Encoder) WriteFrame(f Frame, streamLen int64, stream io.Reader) error {
	if len(f.Token) > MaxTokenLen {
		return ErrFrameTooLarge
	}
	if len(f.Data) > MaxDataLen {
		return ErrFrameTooLarge
	}

	header := make([]byte, headerLen+len(f.Token)+len(f.Data))
	off := 0
	binary.BigEndian.PutUint32(header[off:], Magic)
	off += 4
	header[off] = Version
	off++
	header[off] = byte(int8(f.Command))
	off++
	binary.BigEndian.PutUint32(header[off:], uint32(len(f.Token)))
	off += 4
	off += copy(header[off:], f.Token)
	binary.BigEndian.PutUint32(header[off:], uint32(len(f.Data)))
	off += 4
	off += copy(header[off:], f.Data)
	binary.BigEndian.PutUint64(header[off:], uint64(streamLen))

	if _, err := e.w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}

	if streamLen == 0 || stream == nil {
		return nil
	}

	n, err := io.CopyN(e.w, stream, streamLen)
	if err != nil {
		return fmt.Errorf("wire: write stream: %w", err)
	}
	if n != streamLen {
		return fmt.Errorf("wire: short stream write: wrote %d of %d", n, streamLen)
	}
	return nil
}
