package message

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxRecordBytes bounds a single record line. Oversized lines are
// treated as malformed rather than growing the scanner buffer forever.
const maxRecordBytes = 1 << 20

// Encoder serializes messages as newline-delimited JSON.
// Writes are serialized so concurrent senders cannot interleave records.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one record followed by a newline.
func (e *Encoder) Encode(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", m.Kind, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s record: %w", m.Kind, err)
	}
	return nil
}

// Decoder reads newline-delimited JSON records. Malformed lines and
// records with an unrecognized kind are counted and skipped, never
// surfaced as errors: a misbehaving worker must not crash the
// orchestrator.
type Decoder struct {
	sc        *bufio.Scanner
	malformed int
	logf      func(format string, args ...interface{})
}

// NewDecoder creates a Decoder reading from r. logf receives a line per
// dropped record and may be nil.
func NewDecoder(r io.Reader, logf func(format string, args ...interface{})) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxRecordBytes)
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Decoder{sc: sc, logf: logf}
}

// Decode returns the next well-formed record, or io.EOF once the
// underlying stream ends.
func (d *Decoder) Decode() (Message, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			d.malformed++
			d.logf("[message] dropped malformed record (%d total): %v", d.malformed, err)
			continue
		}
		if !m.Kind.Valid() {
			d.malformed++
			d.logf("[message] dropped record with unknown kind %q (%d total)", m.Kind, d.malformed)
			continue
		}
		return m, nil
	}
	if err := d.sc.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// Malformed returns the number of records dropped so far.
func (d *Decoder) Malformed() int {
	return d.malformed
}
