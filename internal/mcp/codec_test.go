package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestLineCodec_RoundTrip(t *testing.T) {
	msgs := []any{
		map[string]any{"jsonrpc": "2.0", "id": float64(1), "result": map[string]any{"content": []any{}}},
		map[string]any{"jsonrpc": "2.0", "id": float64(2), "result": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "line one\nline two\r\n\ttabbed"}},
		}},
		map[string]any{"jsonrpc": "2.0", "id": float64(3), "error": map[string]any{"code": float64(-1), "message": "ünïcode ✓"}},
	}

	var buf bytes.Buffer
	w := newLineCodec(strings.NewReader(""), &buf, 0)
	for _, m := range msgs {
		if _, err := w.writeMessage(m); err != nil {
			t.Fatalf("writeMessage: %v", err)
		}
	}

	if got := strings.Count(buf.String(), "\n"); got != len(msgs) {
		t.Fatalf("wrote %d newlines, want %d (one per envelope)", got, len(msgs))
	}

	r := newLineCodec(&buf, &bytes.Buffer{}, 0)
	for i, want := range msgs {
		line, err := r.readLine()
		if err != nil {
			t.Fatalf("readLine %d: %v", i, err)
		}
		var got any
		if err := json.Unmarshal(line, &got); err != nil {
			t.Fatalf("unmarshal line %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("message %d = %v, want %v", i, got, want)
		}
	}

	if _, err := r.readLine(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("readLine at EOF = %v, want ErrConnectionClosed", err)
	}
}

func TestLineCodec_PartialLineIsConnectionClosed(t *testing.T) {
	r := newLineCodec(strings.NewReader(`{"jsonrpc":"2.0","id":1,"res`), &bytes.Buffer{}, 0)

	line, err := r.readLine()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("readLine = %v, want ErrConnectionClosed", err)
	}
	if line != nil {
		t.Errorf("partial line returned: %q", line)
	}
}

func TestLineCodec_EmptyStream(t *testing.T) {
	r := newLineCodec(strings.NewReader(""), &bytes.Buffer{}, 0)

	if _, err := r.readMessage(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("readMessage = %v, want ErrConnectionClosed", err)
	}
}

func TestLineCodec_LineTooLong(t *testing.T) {
	long := `{"pad":"` + strings.Repeat("x", 100) + `"}`
	input := long + "\n" + `{"jsonrpc":"2.0","id":1,"result":{}}` + "\n"
	r := newLineCodec(strings.NewReader(input), &bytes.Buffer{}, 64)

	_, err := r.readLine()
	var mal *MalformedResponseError
	if !errors.As(err, &mal) {
		t.Fatalf("readLine = %v, want *MalformedResponseError", err)
	}

	// The oversized line is consumed; the stream stays in sync.
	resp, err := r.readMessage()
	if err != nil {
		t.Fatalf("readMessage after long line: %v", err)
	}
	if resp.ID == nil || *resp.ID != 1 {
		t.Errorf("ID = %v, want 1", resp.ID)
	}
}

func TestDecodeResponse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `hello world`},
		{"array", `[1,2,3]`},
		{"string", `"text"`},
		{"null", `null`},
		{"number", `42`},
		{"blank", `   `},
		{"truncated", `{"jsonrpc":"2.0"`},
		{"string id", `{"jsonrpc":"2.0","id":"abc","result":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeResponse([]byte(tt.line))
			var mal *MalformedResponseError
			if !errors.As(err, &mal) {
				t.Fatalf("decodeResponse(%q) = %v, want *MalformedResponseError", tt.line, err)
			}
		})
	}
}

func TestDecodeResponse_BoundedPrefix(t *testing.T) {
	line := strings.Repeat("z", 5000)

	_, err := decodeResponse([]byte(line))
	var mal *MalformedResponseError
	if !errors.As(err, &mal) {
		t.Fatalf("err = %v, want *MalformedResponseError", err)
	}
	if len(mal.Prefix) != malformedPrefixLen {
		t.Errorf("len(Prefix) = %d, want %d", len(mal.Prefix), malformedPrefixLen)
	}
}

func TestDecodeResponse_KeepsRaw(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":9,"error":{"code":1, "message":"spaced"}}`

	resp, err := decodeResponse([]byte(line + "\r"))
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	if string(resp.Raw) != line {
		t.Errorf("Raw = %s, want %s", resp.Raw, line)
	}
	if string(resp.Error) != `{"code":1, "message":"spaced"}` {
		t.Errorf("Error = %s, want verbatim payload", resp.Error)
	}
}
