package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxEventBytes bounds a single SSE line.
const maxEventBytes = 1 << 20

// Message is one dispatched server-sent event.
type Message struct {
	Event string
	ID    string
	Data  string
}

// Stream is an open GET /sse connection. It is not safe for concurrent use.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// OpenStream connects to the worker's event stream. The stream lives until
// ctx is cancelled or Close is called.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sse", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker /sse: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Path: "/sse", StatusCode: resp.StatusCode, Body: string(data)}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	return &Stream{body: resp.Body, scanner: sc}, nil
}

// Next blocks until the next event is dispatched. It returns io.EOF when the
// server closes the stream.
func (s *Stream) Next() (Message, error) {
	var (
		msg     Message
		data    strings.Builder
		hasData bool
	)
	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if hasData {
				msg.Data = data.String()
				return msg, nil
			}
			msg = Message{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			msg.Event = value
		case "id":
			msg.ID = value
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Message{}, err
	}
	if hasData {
		msg.Data = data.String()
		return msg, nil
	}
	return Message{}, io.EOF
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	if s == nil || s.body == nil {
		return nil
	}
	return s.body.Close()
}

// IsClosed reports whether err means the stream ended rather than failed.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)
}
