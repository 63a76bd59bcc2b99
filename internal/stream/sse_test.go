package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"
)

func TestSSEReader(t *testing.T) {
	body := "\ufeff: keep-alive\n" +
		"retry: 1500\n" +
		"id: 1\n" +
		"data: {\"a\":\n" +
		"data: 1}\n" +
		"\n" +
		"event: ping\n" +
		"data: x\n" +
		"\n" +
		"\n" +
		"id: 2\n" +
		"data:no-space\n" +
		"\n" +
		"data: partial"

	r := newSSEReader(strings.NewReader(body))

	ev, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Data != "{\"a\":\n1}" || ev.ID != "1" || ev.Event != "" {
		t.Fatalf("first event=%+v", ev)
	}
	if r.retry != 1500*time.Millisecond {
		t.Fatalf("retry=%v, want 1.5s", r.retry)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Event != "ping" || ev.Data != "x" || ev.ID != "1" {
		t.Fatalf("second event=%+v", ev)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Data != "no-space" || ev.ID != "2" {
		t.Fatalf("third event=%+v", ev)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v, want io.EOF for the partial event", err)
	}
}

func TestSSEReaderIgnoresBadRetry(t *testing.T) {
	r := newSSEReader(strings.NewReader("retry: soon\ndata: a\n\n"))
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if r.retry != 0 {
		t.Fatalf("retry=%v, want 0", r.retry)
	}
}

func TestSSEReaderLineEndings(t *testing.T) {
	body := "id: 7\rdata: a\rdata: b\r\r" +
		"data: c\r\n\r\n" +
		"data: d\n\n"
	for name, r := range map[string]io.Reader{
		"whole":    strings.NewReader(body),
		"one byte": iotest.OneByteReader(strings.NewReader(body)),
	} {
		t.Run(name, func(t *testing.T) {
			sr := newSSEReader(r)
			for _, want := range []string{"a\nb", "c", "d"} {
				ev, err := sr.Next()
				if err != nil {
					t.Fatal(err)
				}
				if ev.Data != want || ev.ID != "7" {
					t.Fatalf("event=%+v, want data %q id 7", ev, want)
				}
			}
			if _, err := sr.Next(); !errors.Is(err, io.EOF) {
				t.Fatalf("err=%v, want io.EOF", err)
			}
		})
	}
}
