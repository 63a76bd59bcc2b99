package stream

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

// maxMessageSize bounds one line of the event stream. Snapshots with many
// layers arrive as a single data line.
const maxMessageSize = 8 << 20

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// sseReader splits a text/event-stream body into events.
type sseReader struct {
	sc     *bufio.Scanner
	lastID string
	retry  time.Duration // 0 until the server sends a retry field
	first  bool
	skipLF bool // last line ended in a bare \r that may be half of \r\n
}

func newSSEReader(r io.Reader) *sseReader {
	sr := &sseReader{sc: bufio.NewScanner(r), first: true}
	sr.sc.Buffer(make([]byte, 64*1024), maxMessageSize)
	sr.sc.Split(sr.splitLines)
	return sr
}

// splitLines splits on \r\n, \n or \r. A line ending in \r is returned
// right away; a \n arriving next is then skipped.
func (r *sseReader) splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if r.skipLF && len(data) > 0 {
		r.skipLF = false
		if data[0] == '\n' {
			return 1, nil, nil
		}
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		r.skipLF = true
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Next returns the next event that carries data. It returns io.EOF when the
// stream ends; a partially received event is dropped.
func (r *sseReader) Next() (sseEvent, error) {
	var (
		ev      sseEvent
		data    strings.Builder
		hasData bool
	)
	for r.sc.Scan() {
		line := r.sc.Text()
		if r.first {
			line = strings.TrimPrefix(line, "\ufeff")
			r.first = false
		}

		if line == "" {
			if !hasData {
				ev = sseEvent{}
				continue
			}
			ev.ID = r.lastID
			ev.Data = data.String()
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			// comment, used as keep-alive
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				r.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := r.sc.Err(); err != nil {
		return sseEvent{}, err
	}
	return sseEvent{}, io.EOF
}
