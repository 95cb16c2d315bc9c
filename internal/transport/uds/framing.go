package uds

import (
	"bufio"
	"fmt"
	"io"
)

// frameDelimiter matches the backend socket's framing exactly, per spec
// §4.6: "Framing identical to backend: JSON objects delimited by 0x03."
const frameDelimiter = 0x03

// maxFrameBytes is spec §4.6's "Buffer limit is 20 MiB."
const maxFrameBytes = 20 << 20

type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 4096)}
}

// readFrame blocks until a full delimited frame is available and returns
// its bytes without the trailing delimiter. It enforces maxFrameBytes
// incrementally rather than after the fact, so an oversized or
// delimiter-less stream cannot exhaust memory first.
func (fr *frameReader) readFrame() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := fr.r.ReadSlice(frameDelimiter)
		buf = append(buf, chunk...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			if len(buf) > maxFrameBytes {
				return nil, fmt.Errorf("uds: frame exceeds %d byte limit", maxFrameBytes)
			}
			continue
		}
		return nil, err
	}
	if len(buf) > maxFrameBytes {
		return nil, fmt.Errorf("uds: frame exceeds %d byte limit", maxFrameBytes)
	}
	buf = buf[:len(buf)-1] // drop the trailing delimiter
	if len(buf) == 0 {
		return nil, fmt.Errorf("uds: empty frame")
	}
	return buf, nil
}

// writeFrame appends frameDelimiter to frame and writes it.
func writeFrame(w io.Writer, frame []byte) error {
	body := make([]byte, 0, len(frame)+1)
	body = append(body, frame...)
	body = append(body, frameDelimiter)
	_, err := w.Write(body)
	return err
}
