// Package stream implements the newline-delimited record wire format
// "<typeDigit>:<jsonString>\n" used for streamed replies.
package stream

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// RecordKind is the discriminator of a decoded record.
type RecordKind int

const (
	KindText RecordKind = iota
	KindError
	KindOther
)

// Type digits understood by the decoder. Anything else is KindOther.
const (
	TypeText  byte = '0'
	TypeError byte = '3'
)

// Record is one complete line of the wire format.
type Record struct {
	Kind    RecordKind
	Type    byte
	Payload string // Unescaped for text and error records
	Raw     []byte // The undecoded payload for other records
}

// State is the decoder's accumulated state between chunks.
// A State is consumed by Decode and must not be reused after passing it in.
type State struct {
	pending   []byte // Bytes after the last newline
	content   []byte
	errorText *string
	other     int
	malformed int
}

// Content returns the text accumulated so far.
func (s State) Content() string {
	return string(s.content)
}

// Summary is the final view of a decoded stream.
type Summary struct {
	Content      string
	TrailingData bool    // The stream ended inside an unterminated record
	Error        *string // Payload of the first error record, if any
	OtherRecords int
	Malformed    int
}

// Decode feeds one chunk into the decoder and returns the text appended by it.
// Only complete lines are parsed. A split inside a multi-byte character or a JSON
// escape can only happen before the terminating newline, so buffering whole lines
// is enough to never emit a partial code point.
func Decode(s State, chunk []byte) (State, string) {
	if len(chunk) == 0 {
		return s, ""
	}
	s.pending = append(s.pending, chunk...)

	start := len(s.content)
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		line := s.pending[:i]
		s.pending = s.pending[i+1:]
		s = s.apply(line)
	}
	// Keep the remainder in its own buffer so the consumed prefix can be collected.
	if len(s.pending) > 0 {
		s.pending = append([]byte(nil), s.pending...)
	} else {
		s.pending = nil
	}
	return s, string(s.content[start:])
}

func (s State) apply(line []byte) State {
	rec, ok := ParseRecord(line)
	if !ok {
		if len(bytes.TrimSpace(line)) > 0 {
			s.malformed++
		}
		return s
	}
	switch rec.Kind {
	case KindText:
		s.content = append(s.content, rec.Payload...)
	case KindError:
		if s.errorText == nil {
			p := rec.Payload
			s.errorText = &p
		}
	default:
		s.other++
	}
	return s
}

// ParseRecord parses a single line without its newline. Empty and malformed lines report false.
func ParseRecord(line []byte) (Record, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) < 2 || line[1] != ':' || line[0] < '0' || line[0] > '9' {
		return Record{}, false
	}
	if !utf8.Valid(line) {
		return Record{}, false
	}

	typ, payload := line[0], line[2:]
	switch typ {
	case TypeText, TypeError:
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return Record{}, false
		}
		kind := KindText
		if typ == TypeError {
			kind = KindError
		}
		return Record{Kind: kind, Type: typ, Payload: text}, true
	default:
		return Record{Kind: KindOther, Type: typ, Raw: append([]byte(nil), payload...)}, true
	}
}

// Finish closes the stream. Buffered bytes without a newline are dropped and reported.
func Finish(s State) Summary {
	return Summary{
		Content:      string(s.content),
		TrailingData: len(bytes.TrimSpace(s.pending)) > 0,
		Error:        s.errorText,
		OtherRecords: s.other,
		Malformed:    s.malformed,
	}
}

// Decoder wraps State for callers that prefer a stateful value.
type Decoder struct {
	state State
}

// Write decodes chunk and returns the new text.
func (d *Decoder) Write(chunk []byte) string {
	var delta string
	d.state, delta = Decode(d.state, chunk)
	return delta
}

// Content returns the text decoded so far.
func (d *Decoder) Content() string {
	return d.state.Content()
}

// Finish returns the summary of everything written.
func (d *Decoder) Finish() Summary {
	return Finish(d.state)
}
