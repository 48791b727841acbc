package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, texts ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, text := range texts {
		require.NoError(t, w.WriteText(text))
	}
	return buf.Bytes()
}

func decodeChunks(chunks ...[]byte) (Summary, []string) {
	var s State
	var deltas []string
	for _, c := range chunks {
		var d string
		s, d = Decode(s, c)
		if d != "" {
			deltas = append(deltas, d)
		}
	}
	return Finish(s), deltas
}

func TestDecodeScenarioChunks(t *testing.T) {
	sum, deltas := decodeChunks([]byte("0:\"Hello\"\n"), []byte("0:\" world\"\n"))
	assert.Equal(t, "Hello world", sum.Content)
	assert.Equal(t, []string{"Hello", " world"}, deltas)
	assert.False(t, sum.TrailingData)
}

func TestDecodeIsInvariantToEverySplitPoint(t *testing.T) {
	texts := []string{
		"héllo wörld ",
		"日本語のテキスト",
		"emoji 🚀🔥 ",
		"quotes \"and\" backslash \\ tab\t newline\n",
		"  line sep and <html> & ",
		"control \u0001 char",
	}
	wire := encode(t, texts...)
	want := strings.Join(texts, "")

	for i := 0; i <= len(wire); i++ {
		sum, _ := decodeChunks(wire[:i], wire[i:])
		require.Equal(t, want, sum.Content, "split at %d", i)
		require.False(t, sum.TrailingData, "split at %d", i)
		require.Zero(t, sum.Malformed, "split at %d", i)
	}
}

func TestDecodeByteAtATime(t *testing.T) {
	wire := encode(t, "a", "ß", "€", "𝄞", "é literally")
	chunks := make([][]byte, len(wire))
	for i := range wire {
		chunks[i] = wire[i : i+1]
	}
	sum, deltas := decodeChunks(chunks...)
	assert.Equal(t, "aß€𝄞é literally", sum.Content)
	assert.Equal(t, sum.Content, strings.Join(deltas, ""))
	assert.NotContains(t, sum.Content, "�")
}

func TestDecodeUnicodeEscapesAcrossChunks(t *testing.T) {
	// The producer may escape non-ASCII; a split inside 🚀 must still decode.
	wire := []byte(`0:"rocket \ud83d\ude80 away"` + "\n")
	for i := 0; i <= len(wire); i++ {
		sum, _ := decodeChunks(wire[:i], wire[i:])
		require.Equal(t, "rocket 🚀 away", sum.Content, "split at %d", i)
	}
}

func TestDecodeSkipsOtherRecordTypes(t *testing.T) {
	wire := []byte("0:\"a\"\n2:[{\"x\":1}]\n8:{}\n0:\"b\"\ne:{\"finishReason\":\"stop\"}\n")
	sum, _ := decodeChunks(wire)
	assert.Equal(t, "ab", sum.Content)
	assert.Equal(t, 2, sum.OtherRecords)
	// "e:" is not a digit type and is counted as malformed, but decoding continues.
	assert.Equal(t, 1, sum.Malformed)
}

func TestDecodeReportsTrailingData(t *testing.T) {
	sum, deltas := decodeChunks([]byte("0:\"Hello\"\n0:\" wor"))
	assert.Equal(t, "Hello", sum.Content)
	assert.Equal(t, []string{"Hello"}, deltas)
	assert.True(t, sum.TrailingData)
}

func TestDecodeMalformedLinesAreSkipped(t *testing.T) {
	wire := []byte("0:not json\n\n0:\"ok\"\n0:\"\xff\"\nxyz\n")
	sum, _ := decodeChunks(wire)
	assert.Equal(t, "ok", sum.Content)
	assert.Equal(t, 3, sum.Malformed)
}

func TestDecodeHandlesCRLF(t *testing.T) {
	sum, _ := decodeChunks([]byte("0:\"a\"\r\n0:\"b\"\r\n"))
	assert.Equal(t, "ab", sum.Content)
	assert.Zero(t, sum.Malformed)
}

func TestDecodeCapturesErrorRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteText("partial"))
	require.NoError(t, w.WriteError("quota exceeded"))
	require.NoError(t, w.WriteError("second"))

	sum, _ := decodeChunks(buf.Bytes())
	assert.Equal(t, "partial", sum.Content)
	require.NotNil(t, sum.Error)
	assert.Equal(t, "quota exceeded", *sum.Error)
}

func TestDecoderWrapper(t *testing.T) {
	var d Decoder
	assert.Equal(t, "", d.Write([]byte("0:\"He")))
	assert.Equal(t, "Hello", d.Write([]byte("llo\"\n")))
	assert.Equal(t, "Hello", d.Content())
	assert.False(t, d.Finish().TrailingData)
}

func TestWriterDoesNotEscapeHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteText("<b>&</b>"))
	assert.Equal(t, "0:\"<b>&</b>\"\n", buf.String())
}
