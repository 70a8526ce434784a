package wire

import (
	"bytes"
	"io"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	f := Frame{Command: CmdPreUpload, Token: "jnfs-secure-token-2025", Data: []byte("deadbeef")}
	payload := []byte("hello blob")

	require.NoError(t, enc.WriteFrame(f, int64(len(payload)), bytes.NewReader(payload)))

	dec := NewDecoder(&buf)
	got, stream, err := dec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, f.Command, got.Command)
	require.Equal(t, f.Token, got.Token)
	require.Equal(t, f.Data, got.Data)
	require.EqualValues(t, len(payload), got.StreamLen)

	gotPayload, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, payload, gotPayload)
}

func TestRoundTripQuick(t *testing.T) {
	f := func(cmd int8, token string, data []byte, payload []byte) bool {
		if len(token) > MaxTokenLen || len(data) > MaxDataLen {
			return true
		}
		var buf bytes.Buffer
		enc := NewEncoder(&buf)
		frame := Frame{Command: Command(cmd), Token: token, Data: data}
		if err := enc.WriteFrame(frame, int64(len(payload)), bytes.NewReader(payload)); err != nil {
			return false
		}

		dec := NewDecoder(&buf)
		got, stream, err := dec.ReadFrame()
		if err != nil {
			return false
		}
		gotPayload, err := io.ReadAll(stream)
		if err != nil {
			return false
		}
		return got.Command == frame.Command && got.Token == frame.Token &&
			bytes.Equal(got.Data, data) && bytes.Equal(gotPayload, payload)
	}

	require.NoError(t, quick.Check(f, &quick.Config{MaxCount: 200}))
}

func TestFragmentedStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	f := Frame{Command: CmdUploadRequest, Token: "t", Data: []byte("h")}
	payload := bytes.Repeat([]byte("x"), 1<<16)
	require.NoError(t, enc.WriteFrame(f, int64(len(payload)), bytes.NewReader(payload)))

	full := buf.Bytes()

	// Feed the decoder byte-by-byte via a pipe to exercise partial reads
	// across the FRAME and STREAM boundary.
	pr, pw := io.Pipe()
	go func() {
		for _, b := range full {
			_, _ = pw.Write([]byte{b})
		}
		pw.Close()
	}()

	dec := NewDecoder(pr)
	got, stream, err := dec.ReadFrame()
	require.NoError(t, err)
	require.EqualValues(t, len(payload), got.StreamLen)

	gotPayload, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, payload, gotPayload)
}

func TestBadMagicClosesDecode(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	dec := NewDecoder(buf)
	_, _, err := dec.ReadFrame()
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	// Hand-craft a frame whose declared token length exceeds the limit.
	f := Frame{Command: CmdPreUpload, Token: string(make([]byte, MaxTokenLen+1))}
	err := enc.WriteFrame(f, 0, nil)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
