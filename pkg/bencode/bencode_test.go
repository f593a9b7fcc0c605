package bencode

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func wantErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error = %v, want contains %q", err, substr)
	}
}

func TestMarshal_OK(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "spam", "4:spam"},
		{"binary-string", string([]byte{0x00, 0xff}), "2:\x00\xff"},
		{"bytes", []byte{1, 2, 3}, "3:\x01\x02\x03"},
		{"int", 42, "i42e"},
		{"int-neg", int64(-7), "i-7e"},
		{"port", uint16(6881), "i6881e"},
		{"list", []any{"a", int64(1)}, "l1:ai1ee"},
		{
			"dict-sorted-keys",
			map[string]any{"y": "q", "t": "\x01\x02", "q": "ping"},
			"d1:q4:ping1:t2:\x01\x021:y1:qe",
		},
		{
			"nested",
			map[string]any{"a": map[string]any{"id": "x"}, "t": "ab"},
			"d1:ad2:id1:xe1:t2:abe",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(tc.in)
			if err != nil {
				t.Fatalf("Marshal error: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMarshal_UnsupportedType(t *testing.T) {
	if _, err := Marshal(3.14); err == nil {
		t.Fatal("expected error for float, got nil")
	}
}

func TestUnmarshal_OK(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", any("spam")},
		{"empty-string", "0:", any("")},
		{"int", "i42e", any(int64(42))},
		{"int-neg", "i-1e", any(int64(-1))},
		{"int-zero", "i0e", any(int64(0))},
		{"list", "l4:spami1ee", any([]any{"spam", int64(1)})},
		{
			"dict",
			"d1:ai1e1:bl1:xi2eee",
			any(map[string]any{"a": int64(1), "b": []any{"x", int64(2)}}),
		},
		{
			"krpc-ping",
			"d1:ad2:id2:\x01\x02e1:q4:ping1:t2:aa1:y1:qe",
			any(map[string]any{
				"a": map[string]any{"id": "\x01\x02"},
				"q": "ping",
				"t": "aa",
				"y": "q",
			}),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Unmarshal([]byte(tc.in))
			if err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if !reflect.DeepEqual(v, tc.want) {
				t.Fatalf("got %#v, want %#v", v, tc.want)
			}
		})
	}
}

func TestUnmarshal_Roundtrip(t *testing.T) {
	in := map[string]any{
		"t": "\x00\x01",
		"y": "r",
		"r": map[string]any{
			"id":     strings.Repeat("n", 20),
			"values": []any{"\x7f\x00\x00\x01\x1f\x90"},
		},
	}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !reflect.DeepEqual(out, any(in)) {
		t.Fatalf("roundtrip mismatch: got %#v, want %#v", out, in)
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantIs error
	}{
		{name: "trailing", in: "i1ei2e", want: "trailing data"},
		{name: "empty", in: "", wantIs: io.EOF},
		{name: "leading-zero", in: "i012e", want: "leading zero"},
		{name: "negative-zero", in: "i-0e", want: "negative zero"},
		{name: "empty-int", in: "ie", want: "invalid integer: empty"},
		{name: "lone-dash", in: "i-e", want: "lone '-'"},
		{name: "negative-strlen", in: "-1:", want: "length can't be negative"},
		{name: "truncated-string", in: "5:abc", want: "read string"},
		{name: "truncated-list", in: "l4:spam", wantIs: io.EOF},
		{name: "truncated-dict", in: "d1:a", wantIs: io.EOF},
		{name: "oversized-string", in: "99999999:", want: "string too large"},
		{
			name: "too-many-digits",
			in:   "i" + strings.Repeat("9", 25) + "e",
			want: "too many digits",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tc.in))

			if tc.wantIs != nil {
				if !errors.Is(err, tc.wantIs) {
					t.Fatalf("want %v, got %v", tc.wantIs, err)
				}
				return
			}

			wantErrContains(t, err, tc.want)
		})
	}
}

func TestDecode_DepthLimit(t *testing.T) {
	in := strings.Repeat("l", 40) + strings.Repeat("e", 40)

	_, err := Unmarshal([]byte(in))
	wantErrContains(t, err, "max depth exceeded")
}
