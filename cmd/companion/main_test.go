package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/config"
	"github.com/normanking/cortexcompanion/internal/logging"
)

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "********"},
		{"sk-1234567890abcd", "sk-1...abcd"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mask(tt.in))
	}
}

func TestPrintConversation(t *testing.T) {
	var out bytes.Buffer
	eventBus := bus.NewEventBus()
	printConversation(&out, eventBus)

	eventBus.PublishSync(bus.Event{Type: bus.EventTypeTurnAppended, Data: map[string]any{"speaker": "assistant", "text": "Hi there!"}})
	eventBus.PublishSync(bus.Event{Type: bus.EventTypeTurnAppended, Data: map[string]any{"speaker": "user", "text": "I feel anxious"}})
	eventBus.PublishSync(bus.Event{Type: bus.EventTypeNotice, Data: map[string]any{"message": "Failed to get a response. Please try again."}})
	eventBus.PublishSync(bus.Event{Type: bus.EventTypePartial, Data: map[string]any{"text": "I feel"}})

	assert.Equal(t, "Assistant: Hi there!\nYou: I feel anxious\n! Failed to get a response. Please try again.\n", out.String())
}

func TestForwardLogs(t *testing.T) {
	logger := logging.Nop()
	eventBus := bus.NewEventBus()
	forwardLogs(logger, eventBus)

	got := make(chan bus.Event, 8)
	eventBus.Subscribe(bus.EventTypeLog, func(e bus.Event) { got <- e })

	logger.Debug("voice", "Discarding utterance", nil)
	logger.Warn("server", "Client send buffer full, dropping frame", nil)
	logger.Warn("archive", "Transcript archive disabled", map[string]any{"error": "locked"})

	select {
	case e := <-got:
		assert.Equal(t, "archive", e.Data["component"])
		assert.Equal(t, "warn", e.Data["level"])
		assert.Equal(t, "error=locked", e.Data["data"])
	case <-time.After(time.Second):
		t.Fatal("log entry not forwarded")
	}
	assert.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"debug and server entries stay off the bus")
}

func TestBuildCapture(t *testing.T) {
	capt, audio, console := buildCapture(config.CaptureConfig{Provider: "none"}, testLogger())
	assert.NotNil(t, capt)
	assert.Nil(t, audio)
	assert.Nil(t, console)

	capt, audio, console = buildCapture(config.CaptureConfig{Provider: "deepgram"}, testLogger())
	assert.NotNil(t, capt)
	assert.NotNil(t, audio)
	assert.Nil(t, console)

	_, _, console = buildCapture(config.CaptureConfig{Provider: "console"}, testLogger())
	assert.NotNil(t, console)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
