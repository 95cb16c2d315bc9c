package backend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// frameDelimiter is the single byte separating successive JSON objects on
// the backend Unix socket, per spec §4.4/§6: "messages are newline-free
// JSON objects delimited by a single 0x03 byte in each direction."
const frameDelimiter = 0x03

// frameReader accumulates bytes until frameDelimiter and decodes the
// result as a JSON object.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 4096)}
}

// readFrame blocks until a full delimited frame is available, decodes it
// into v, and returns. io.EOF (or a wrapped variant) signals the peer
// closed the connection.
func (fr *frameReader) readFrame(v any) error {
	raw, err := fr.r.ReadBytes(frameDelimiter)
	if err != nil {
		return err
	}
	raw = raw[:len(raw)-1] // drop the trailing delimiter
	if len(raw) == 0 {
		return fmt.Errorf("backend: empty frame")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("backend: decoding frame: %w", err)
	}
	return nil
}

// writeFrame encodes v as JSON and appends frameDelimiter, per spec §4.4:
// "the writer appends 0x03 after each encoded message."
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("backend: encoding frame: %w", err)
	}
	body = append(body, frameDelimiter)
	_, err = w.Write(body)
	return err
}
