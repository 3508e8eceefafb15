package protocol_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/whispo/contextd/internal/protocol"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	req, err := protocol.NewRequest(protocol.IntID(7), "tools/call", map[string]any{"name": "get_active_file"})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	note, err := protocol.NewNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("NewNotification() error = %v", err)
	}
	res, err := protocol.NewResult(protocol.StringID("abc"), map[string]any{"tools": []any{}})
	if err != nil {
		t.Fatalf("NewResult() error = %v", err)
	}
	nullRes, err := protocol.NewResult(protocol.IntID(0), nil)
	if err != nil {
		t.Fatalf("NewResult(nil) error = %v", err)
	}
	id := protocol.StringID("x-1")
	errResp := protocol.NewErrorResponse(&id, &protocol.RPCError{
		Code:    protocol.CodeMethodNotFound,
		Message: "Method not found",
		Data:    json.RawMessage(`{"method":"nope"}`),
	})

	for _, m := range []protocol.Message{req, note, res, nullRes, errResp} {
		b, err := protocol.Encode(m)
		if err != nil {
			t.Fatalf("Encode(%+v) error = %v", m, err)
		}
		got, err := protocol.Decode(b)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", b, err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, m)
		}
	}
}

func TestDecode_Kinds(t *testing.T) {
	tests := []struct {
		in           string
		request      bool
		notification bool
		response     bool
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"ping"}`, true, false, false},
		{`{"jsonrpc":"2.0","method":"notifications/initialized"}`, false, true, false},
		{`{"jsonrpc":"2.0","id":"a","result":{}}`, false, false, true},
		{`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, false, false, true},
		{`{"jsonrpc":"2.0","id":2,"result":null,"extra":"ignored"}`, false, false, true},
	}
	for _, tt := range tests {
		m, err := protocol.Decode([]byte(tt.in))
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", tt.in, err)
		}
		if m.IsRequest() != tt.request || m.IsNotification() != tt.notification || m.IsResponse() != tt.response {
			t.Errorf("Decode(%s) classified as req=%v note=%v resp=%v", tt.in, m.IsRequest(), m.IsNotification(), m.IsResponse())
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	inputs := []string{
		``,
		`not json`,
		`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`,
		`{"id":1,"method":"ping"}`,
		`{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		`{"jsonrpc":"2.0","result":{}}`,
		`{"jsonrpc":"2.0","id":1.5,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`,
	}
	for _, in := range inputs {
		_, err := protocol.Decode([]byte(in))
		if !errors.Is(err, protocol.ErrMalformedMessage) {
			t.Errorf("Decode(%q) error = %v, want MalformedMessage", in, err)
		}
	}
}

func TestDecode_MalformedFragmentIsTruncated(t *testing.T) {
	in := strings.Repeat("x", 500)
	_, err := protocol.Decode([]byte(in))
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		t.Fatalf("Decode() error = %v, want *protocol.Error", err)
	}
	if len(pe.Fragment) > 80 {
		t.Errorf("Fragment length = %d, want truncated", len(pe.Fragment))
	}
	if !strings.HasPrefix(in, strings.TrimSuffix(pe.Fragment, "...")) {
		t.Errorf("Fragment %q is not a prefix of the input", pe.Fragment)
	}
}

func TestMalformed_FragmentKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; 'a' shifts every rune boundary off the cut point.
	in := "a" + strings.Repeat("é", 100)
	pe := protocol.Malformed([]byte(in), "bad")
	frag := strings.TrimSuffix(pe.Fragment, "...")
	if !utf8.ValidString(frag) {
		t.Errorf("Fragment %q is not valid UTF-8", pe.Fragment)
	}
	if !strings.HasPrefix(in, frag) || len(frag) == 0 {
		t.Errorf("Fragment %q is not a prefix of the input", pe.Fragment)
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := protocol.CallTimeout("fs", "read", errors.New("deadline"))
	if !errors.Is(err, protocol.ErrCallTimeout) {
		t.Error("errors.Is(CallTimeout, ErrCallTimeout) = false")
	}
	if errors.Is(err, protocol.ErrToolNotFound) {
		t.Error("errors.Is(CallTimeout, ErrToolNotFound) = true")
	}
	if got := protocol.KindOf(err); got != protocol.KindCallTimeout {
		t.Errorf("KindOf() = %v, want CallTimeout", got)
	}
	if got := protocol.KindOf(errors.New("plain")); got != protocol.KindUnknown {
		t.Errorf("KindOf(plain) = %v, want Unknown", got)
	}
}

func TestLineReader(t *testing.T) {
	r := protocol.NewLineReader(strings.NewReader("{\"a\":1}\n\n  \n{\"b\":2}\n{\"c\":3}"))
	var frames []string
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		frames = append(frames, string(f))
	}
	want := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	if !reflect.DeepEqual(frames, want) {
		t.Errorf("frames = %v, want %v", frames, want)
	}
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	if err := protocol.WriteLine(&buf, []byte(`{"x":1}`)); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	if buf.String() != "{\"x\":1}\n" {
		t.Errorf("WriteLine() wrote %q", buf.String())
	}
	if err := protocol.WriteLine(&buf, []byte("a\nb")); err == nil {
		t.Error("WriteLine() with embedded newline should fail")
	}
}
