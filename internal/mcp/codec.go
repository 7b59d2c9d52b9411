package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// defaultBufferSize is the read buffer for executor output. Tool
	// results (a page of posts with self text) are routinely large.
	defaultBufferSize = 1 << 20

	// defaultMaxLineBytes is the longest line accepted from the
	// executor. Longer lines are discarded and reported as malformed.
	defaultMaxLineBytes = 16 << 20
)

// lineCodec frames JSON-RPC envelopes as newline-delimited JSON over a
// byte stream. It is not safe for concurrent use; the owning transport
// serializes writers and keeps at most one reader active.
type lineCodec struct {
	w       *bufio.Writer
	r       *bufio.Reader
	maxLine int
}

func newLineCodec(r io.Reader, w io.Writer, maxLine int) *lineCodec {
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	return &lineCodec{
		w:       bufio.NewWriter(w),
		r:       bufio.NewReaderSize(r, defaultBufferSize),
		maxLine: maxLine,
	}
}

// writeMessage encodes msg as one line and flushes it. encoding/json
// escapes newlines inside strings, so the encoded form never contains a
// raw newline.
func (c *lineCodec) writeMessage(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := c.w.Write(data); err != nil {
		return data, err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return data, err
	}
	return data, c.w.Flush()
}

// readLine returns the next complete line without its terminator. End of
// stream before a terminator, including partway through a line, yields
// ErrConnectionClosed; a partial line is never returned.
func (c *lineCodec) readLine() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		frag, err := c.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(frag) > c.maxLine+1 {
				tooLong = true
				line = line[:0:0]
				if len(frag) > 0 {
					line = append(line, frag[:min(len(frag), malformedPrefixLen)]...)
				}
			} else {
				line = append(line, frag...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, newMalformed(line, fmt.Sprintf("line exceeds %d bytes", c.maxLine))
			}
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil, ErrConnectionClosed
		default:
			return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
	}
}

// readMessage reads and decodes the next envelope.
func (c *lineCodec) readMessage() (*Response, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	return decodeResponse(line)
}

// decodeResponse parses one line as a JSON-RPC message. The line must be
// a JSON object; arrays, scalars and null are malformed.
func decodeResponse(line []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, newMalformed(line, "empty line")
	}
	if !json.Valid(trimmed) {
		return nil, newMalformed(line, "invalid JSON")
	}
	if trimmed[0] != '{' {
		return nil, newMalformed(line, "not a JSON object")
	}

	var resp Response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, newMalformed(line, err.Error())
	}
	resp.Raw = append(json.RawMessage(nil), trimmed...)
	return &resp, nil
}
