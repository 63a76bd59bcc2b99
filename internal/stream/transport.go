package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

type sseConn struct {
	c    *Client
	body io.ReadCloser
	r    *sseReader
	once sync.Once
}

func (c *Client) dialSSE(ctx context.Context) (*sseConn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.lastID != "" {
		req.Header.Set("Last-Event-ID", c.lastID)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to push channel: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("push channel answered %s", resp.Status)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("push channel content type %q is not text/event-stream", mt)
	}
	return &sseConn{c: c, body: resp.Body, r: newSSEReader(resp.Body)}, nil
}

func (s *sseConn) Next() ([]byte, error) {
	for {
		ev, err := s.r.Next()
		s.c.lastID = s.r.lastID
		if s.r.retry > 0 {
			s.c.retry = s.r.retry
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrClosed
			}
			return nil, err
		}
		if ev.Event != "" && ev.Event != "message" {
			continue
		}
		return []byte(ev.Data), nil
	}
}

func (s *sseConn) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}

type wsConn struct {
	ws   *websocket.Conn
	once sync.Once
}

func dialWebSocket(ctx context.Context, d *websocket.Dialer, url string) (*wsConn, error) {
	ws, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connecting to push channel: %w (%s)", err, resp.Status)
		}
		return nil, fmt.Errorf("connecting to push channel: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

func (w *wsConn) Next() ([]byte, error) {
	for {
		typ, msg, err := w.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() { err = w.ws.Close() })
	return err
}
