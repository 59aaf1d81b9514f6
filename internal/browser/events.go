package browser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// eventLog is a fixed-capacity FIFO of telemetry events. Not safe for
// concurrent use; the controller guards it.
type eventLog struct {
	buf   []TelemetryEvent
	start int
	size  int
	seq   uint64
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventLog{buf: make([]TelemetryEvent, capacity)}
}

// push appends ev, evicting the oldest event when full. ev is stamped with the
// next sequence number; reset does not rewind it.
func (l *eventLog) push(ev TelemetryEvent) {
	l.seq++
	ev.Seq = l.seq
	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = ev
		l.size++
		return
	}
	l.buf[l.start] = ev
	l.start = (l.start + 1) % len(l.buf)
}

// snapshot returns the retained events, oldest first.
func (l *eventLog) snapshot() []TelemetryEvent {
	if l.size == 0 {
		return nil
	}
	out := make([]TelemetryEvent, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}

func (l *eventLog) len() int { return l.size }

func (l *eventLog) reset() {
	for i := range l.buf {
		l.buf[i] = TelemetryEvent{}
	}
	l.start, l.size = 0, 0
}

// parseEvent decodes one SSE data payload. Any JSON value is accepted; the
// type and page URL are read from an object payload when they are strings.
// It returns the event and the URL, if any.
func parseEvent(data string, now time.Time) (TelemetryEvent, string, error) {
	data = strings.TrimSpace(data)
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return TelemetryEvent{}, "", fmt.Errorf("decode event: %w", err)
	}

	typ, url := EventStatus, ""
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) == nil {
		if s, ok := stringField(fields, "type"); ok && s != "" {
			typ = EventType(s)
		}
		if s, ok := stringField(fields, "url"); ok {
			url = s
		}
	}
	return TelemetryEvent{
		Type:       typ,
		Data:       raw,
		ReceivedAt: now,
	}, url, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}
