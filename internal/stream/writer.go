package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ContentType is sent with streamed replies.
const ContentType = "text/plain; charset=utf-8"

// Writer encodes records onto w, flushing after each one when w supports it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	buf     bytes.Buffer
	enc     *json.Encoder
}

// NewWriter returns a Writer. HTML characters are not escaped so payloads stay readable.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	sw.flusher, _ = w.(http.Flusher)
	sw.enc = json.NewEncoder(&sw.buf)
	sw.enc.SetEscapeHTML(false)
	return sw
}

// WriteText emits a text record.
func (sw *Writer) WriteText(text string) error {
	return sw.write(TypeText, text)
}

// WriteError emits an error record.
func (sw *Writer) WriteError(message string) error {
	return sw.write(TypeError, message)
}

func (sw *Writer) write(typ byte, payload string) error {
	sw.buf.Reset()
	sw.buf.WriteByte(typ)
	sw.buf.WriteByte(':')
	// Encode appends the terminating newline.
	if err := sw.enc.Encode(payload); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if _, err := sw.w.Write(sw.buf.Bytes()); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Flush flushes the underlying writer if it supports it.
func (sw *Writer) Flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}
