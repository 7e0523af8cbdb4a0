package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/instrace/internal/trace/record"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", Text, false},
		{"text", Text, false},
		{"jsonl", JSONL, false},
		{"csv", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseFormat(%q)", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestAppendText(t *testing.T) {
	tests := []struct {
		name string
		tid  record.ThreadID
		rec  record.Record
		want string
	}{
		{"instruction", 1, record.NewInstruction(0x401000), "i 1 0x401000\n"},
		{"alloc request", 2, record.NewAllocRequest(0x4011a0, 64), "a 2 0x4011a0 64\n"},
		{"alloc result", 2, record.NewAllocResult(0xc000012000, 64), "r 2 0xc000012000 64\n"},
		{"free", 3, record.NewFree(0xc000012000), "f 3 0xc000012000\n"},
		{"zero address", 4, record.NewInstruction(0), "i 4 0x0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(AppendText(nil, tt.tid, tt.rec)))
		})
	}
}

func TestAppendJSON(t *testing.T) {
	got := string(AppendJSON(nil, 5, record.NewAllocRequest(0x10, 128)))
	assert.Equal(t, `{"tid":5,"kind":"alloc-request","addr":16,"size":128}`+"\n", got)

	got = string(AppendJSON(nil, 5, record.NewInstruction(0x10)))
	assert.Equal(t, `{"tid":5,"kind":"instruction","addr":16}`+"\n", got)
}

// TestDecodeMatchesEncode checks both formats decode back to what was
// encoded, in order.
func TestDecodeMatchesEncode(t *testing.T) {
	entries := []Entry{
		{Thread: 1, Record: record.NewInstruction(0xA1)},
		{Thread: 1, Record: record.NewInstruction(0xA2)},
		{Thread: 2, Record: record.NewAllocRequest(0x400100, 64)},
		{Thread: 2, Record: record.NewAllocResult(0x7f0000001000, 64)},
		{Thread: 1, Record: record.NewFree(0x7f0000001000)},
	}

	for _, f := range []Format{Text, JSONL} {
		t.Run(string(f), func(t *testing.T) {
			appendFn, err := Appender(f)
			require.NoError(t, err)

			var buf []byte
			for _, e := range entries {
				buf = appendFn(buf, e.Thread, e.Record)
			}

			got, err := DecodeAll(strings.NewReader(string(buf)), f)
			require.NoError(t, err)
			assert.Equal(t, entries, got)
		})
	}
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	got, err := DecodeAll(strings.NewReader("\ni 1 0x10\n\n   \ni 1 0x14\n"), Text)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0x14), got[1].Record.Addr)
}

func TestDecoderSyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"unknown kind", "x 1 0x10"},
		{"missing size", "a 1 0x10"},
		{"extra field", "i 1 0x10 5"},
		{"no hex prefix", "i 1 10"},
		{"bad tid", "i one 0x10"},
		{"bad address", "i 1 0xzz"},
		{"bad size", "r 1 0x10 big"},
		{"too short", "i 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAll(strings.NewReader("i 1 0x1\n"+tt.line+"\n"), Text)
			var se *SyntaxError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, 2, se.Line)
			assert.Equal(t, tt.line, se.Text)
		})
	}
}

func TestParseJSONUnknownKind(t *testing.T) {
	_, err := ParseJSON(`{"tid":1,"kind":"syscall","addr":1}`)
	assert.Error(t, err)
}

func TestByThread(t *testing.T) {
	entries := []Entry{
		{Thread: 1, Record: record.NewInstruction(1)},
		{Thread: 2, Record: record.NewInstruction(10)},
		{Thread: 1, Record: record.NewInstruction(2)},
	}
	got := ByThread(entries)
	assert.Equal(t, []record.Record{record.NewInstruction(1), record.NewInstruction(2)}, got[1])
	assert.Equal(t, []record.Record{record.NewInstruction(10)}, got[2])
}
