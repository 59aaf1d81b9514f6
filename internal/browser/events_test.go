package browser

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLog_EvictsOldest(t *testing.T) {
	l := newEventLog(50)
	for i := 0; i < 200; i++ {
		l.push(TelemetryEvent{Type: EventAction, Data: []byte(fmt.Sprint(i))})
	}

	got := l.snapshot()
	require.Len(t, got, 50)
	assert.Equal(t, "150", string(got[0].Data))
	assert.Equal(t, "199", string(got[49].Data))
	assert.EqualValues(t, 151, got[0].Seq)
	assert.EqualValues(t, 200, got[49].Seq)

	l.reset()
	assert.Equal(t, 0, l.len())
	assert.Nil(t, l.snapshot())

	l.push(TelemetryEvent{Type: EventStatus})
	assert.EqualValues(t, 201, l.snapshot()[0].Seq, "sequence continues across resets")
}

func TestEventLog_PartiallyFilled(t *testing.T) {
	l := newEventLog(5)
	l.push(TelemetryEvent{Data: []byte("a")})
	l.push(TelemetryEvent{Data: []byte("b")})

	got := l.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0].Data))
	assert.Equal(t, "b", string(got[1].Data))
}

func TestParseEvent(t *testing.T) {
	now := time.Now()

	ev, url, err := parseEvent(`{"type":"action","action":"click","url":"https://example.com/a"}`, now)
	require.NoError(t, err)
	assert.Equal(t, EventAction, ev.Type)
	assert.Equal(t, "https://example.com/a", url)
	assert.Equal(t, now, ev.ReceivedAt)
	assert.JSONEq(t, `{"type":"action","action":"click","url":"https://example.com/a"}`, string(ev.Data))

	ev, url, err = parseEvent(`{"message":"ready"}`, now)
	require.NoError(t, err)
	assert.Equal(t, EventStatus, ev.Type)
	assert.Empty(t, url)

	_, _, err = parseEvent(`{"type":`, now)
	assert.Error(t, err)
	_, _, err = parseEvent(``, now)
	assert.Error(t, err)
}

func TestParseEvent_AcceptsAnyJSON(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		data     string
		wantType EventType
		wantURL  string
	}{
		{"array payload", `[1,2]`, EventStatus, ""},
		{"string payload", `"navigating"`, EventStatus, ""},
		{"number payload", `42`, EventStatus, ""},
		{"null payload", `null`, EventStatus, ""},
		{"non-string url", `{"type":"action","url":42}`, EventAction, ""},
		{"non-string type", `{"type":7,"url":"https://example.com"}`, EventStatus, "https://example.com"},
		{"empty type", `{"type":""}`, EventStatus, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, url, err := parseEvent(tt.data, now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.wantURL, url)
			assert.JSONEq(t, tt.data, string(ev.Data))
		})
	}
}
