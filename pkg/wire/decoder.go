package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Decoder reads frames off a connection one at a time. Each connection
// owns exactly one Decoder for its lifetime; the decoder blocks the
// calling goroutine on I/O, which is the per-connection goroutine set up
// by the accept loop, never the listener itself.
//
// ReadFrame and the stream reader it returns form two decoder states:
// FRAME (reading the fixed header plus token/data) and STREAM (the raw
// payload that follows). A caller must fully drain or discard the
// stream reader from one call before the next ReadFrame proceeds, since
// both read from the same underlying connection.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 32*1024)}
}

// ReadFrame blocks until one full control frame has arrived, then
// returns it along with a reader bounded to exactly frame.StreamLen
// bytes. The caller must read that reader to completion (or call
// io.Copy(io.Discard, stream)) before calling ReadFrame again.
//
// A magic mismatch is treated as a protocol violation: the caller
// should close the connection on ErrBadMagic rather than attempt to
// resynchronize, matching the original decoder's behavior.
func (d *Decoder) ReadFrame() (*Frame, io.Reader, error) {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return nil, nil, err
	}
	if binary.BigEndian.Uint32(header[:]) != Magic {
		return nil, nil, ErrBadMagic
	}

	version, err := d.r.ReadByte()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: read version: %w", err)
	}
	_ = version // the protocol currently has a single version

	cmdByte, err := d.r.ReadByte()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: read command: %w", err)
	}

	tokenLen, err := d.readUint32()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: read token length: %w", err)
	}
	if tokenLen > MaxTokenLen {
		return nil, nil, ErrFrameTooLarge
	}
	token := make([]byte, tokenLen)
	if _, err := io.ReadFull(d.r, token); err != nil {
		return nil, nil, fmt.Errorf("wire: read token: %w", err)
	}

	dataLen, err := d.readUint32()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: read data length: %w", err)
	}
	if dataLen > MaxDataLen {
		return nil, nil, ErrFrameTooLarge
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, nil, fmt.Errorf("wire: read data: %w", err)
	}

	streamLen, err := d.readUint64()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: read stream length: %w", err)
	}

	frame := &Frame{
		Command:   Command(int8(cmdByte)),
		Token:     string(token),
		Data:      data,
		StreamLen: int64(streamLen),
	}

	return frame, io.LimitReader(d.r, frame.StreamLen), nil
}

func (d *Decoder) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (d *Decoder) readUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
