package agent

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestFramedWriter_WritesNewlineDelimitedJSON(t *testing.T) {
	var buf bytes.Buffer
	fw := newFramedWriter(&buf)

	id := int64(1)
	if err := fw.writeJSON(rpcMessage{JSONRPC: "2.0", ID: &id, Method: "initialize"}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	if err := fw.writeJSON(rpcMessage{JSONRPC: "2.0", Method: "cancel"}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 frames, got %d: %q", len(lines), buf.String())
	}
	var first rpcMessage
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first frame: %v", err)
	}
	if first.Method != "initialize" || first.ID == nil || *first.ID != 1 {
		t.Fatalf("unexpected first frame: %+v", first)
	}
}

func TestReadFrames_DispatchesEachLine(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"sessionUpdate","params":{}}` + "\n" +
		`{"jsonrpc":"2.0","id":1,"result":{}}` + "\n"

	var methods []string
	err := readFrames(strings.NewReader(input), func(msg rpcMessage) error {
		methods = append(methods, msg.Method)
		return nil
	})
	if err != nil {
		t.Fatalf("readFrames: %v", err)
	}
	if len(methods) != 2 {
		t.Fatalf("expected 2 dispatched frames, got %d", len(methods))
	}
	if methods[0] != "sessionUpdate" || methods[1] != "" {
		t.Fatalf("unexpected methods: %v", methods)
	}
}

func TestReadFrames_SkipsMalformedLines(t *testing.T) {
	input := "not json\n" + `{"jsonrpc":"2.0","method":"cancel"}` + "\n"

	var seen int
	err := readFrames(strings.NewReader(input), func(msg rpcMessage) error {
		seen++
		if msg.Method != "cancel" {
			t.Fatalf("expected only the well-formed frame to dispatch, got %+v", msg)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("readFrames: %v", err)
	}
	if seen != 1 {
		t.Fatalf("expected 1 dispatched frame, got %d", seen)
	}
}

func TestReadFrames_StopsOnHandlerError(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"a"}` + "\n" + `{"jsonrpc":"2.0","method":"b"}` + "\n"

	stopErr := io.EOF
	var calls int
	err := readFrames(strings.NewReader(input), func(msg rpcMessage) error {
		calls++
		return stopErr
	})
	if err != stopErr {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler to stop after first call, got %d calls", calls)
	}
}

func TestRPCError_Error(t *testing.T) {
	e := &rpcError{Code: -32601, Message: "method not found"}
	if got := e.Error(); got != "agent rpc error -32601: method not found" {
		t.Fatalf("unexpected error string: %q", got)
	}
}
