package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DeepgramWSEndpoint = "wss://api.deepgram.com/v1/listen"
	DeepgramModel      = "nova-2"
)

// DeepgramConfig configures the streaming recognizer.
type DeepgramConfig struct {
	APIKey         string
	Endpoint       string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Channels       int
	InterimResults bool
	Punctuate      bool
}

// DefaultDeepgramConfig returns the settings used for 16kHz mono PCM.
func DefaultDeepgramConfig() DeepgramConfig {
	return DeepgramConfig{
		Endpoint:       DeepgramWSEndpoint,
		Model:          DeepgramModel,
		Language:       "en-US",
		SampleRate:     16000,
		Encoding:       "linear16",
		Channels:       1,
		InterimResults: true,
		Punctuate:      true,
	}
}

// DeepgramCapture streams audio to Deepgram and turns its results into
// capture events. Audio arrives through SendAudio.
type DeepgramCapture struct {
	config DeepgramConfig
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	g    *gate

	// Finalized segments of the current utterance.
	committed []string
}

// NewDeepgramCapture creates the adapter. An empty API key makes Start
// fail with ErrUnsupported.
func NewDeepgramCapture(config DeepgramConfig, logger zerolog.Logger) *DeepgramCapture {
	def := DefaultDeepgramConfig()
	if config.Endpoint == "" {
		config.Endpoint = def.Endpoint
	}
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.Language == "" {
		config.Language = def.Language
	}
	if config.SampleRate == 0 {
		config.SampleRate = def.SampleRate
	}
	if config.Encoding == "" {
		config.Encoding = def.Encoding
	}
	if config.Channels == 0 {
		config.Channels = def.Channels
	}

	return &DeepgramCapture{
		config: config,
		logger: logger.With().Str("component", "capture-deepgram").Logger(),
	}
}

type deepgramMessage struct {
	Type        string          `json:"type"`
	IsFinal     bool            `json:"is_final,omitempty"`
	SpeechFinal bool            `json:"speech_final,omitempty"`
	Channel     deepgramChannel `json:"channel,omitempty"`
}

type deepgramChannel struct {
	Alternatives []deepgramAlternative `json:"alternatives,omitempty"`
}

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

func (d *DeepgramCapture) listenURL() string {
	q := url.Values{}
	q.Set("model", d.config.Model)
	q.Set("language", d.config.Language)
	q.Set("encoding", d.config.Encoding)
	q.Set("sample_rate", strconv.Itoa(d.config.SampleRate))
	q.Set("channels", strconv.Itoa(d.config.Channels))
	q.Set("punctuate", strconv.FormatBool(d.config.Punctuate))
	q.Set("interim_results", strconv.FormatBool(d.config.InterimResults))
	return d.config.Endpoint + "?" + q.Encode()
}

// Start opens the streaming connection.
func (d *DeepgramCapture) Start(ctx context.Context, sink Sink) error {
	if d.config.APIKey == "" {
		return ErrUnsupported
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.config.APIKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, d.listenURL(), header)
	if err != nil {
		if resp != nil {
			d.logger.Error().
				Int("status", resp.StatusCode).
				Err(err).
				Msg("Deepgram WebSocket connection failed")
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	g := &gate{sink: sink}
	d.conn = conn
	d.g = g
	d.committed = nil

	go d.readResponses(conn, g)

	d.logger.Info().Msg("Connected to Deepgram streaming STT")
	return nil
}

func (d *DeepgramCapture) readResponses(conn *websocket.Conn, g *gate) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			d.mu.Lock()
			if !g.closed {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					d.logger.Error().Err(err).Msg("Error reading Deepgram response")
				}
				g.deliver(Event{Kind: End})
				g.closed = true
				if d.conn == conn {
					d.conn = nil
					d.g = nil
				}
			}
			d.mu.Unlock()
			_ = conn.Close()
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			d.logger.Warn().Err(err).Str("message", string(message)).Msg("Failed to parse Deepgram message")
			continue
		}

		d.mu.Lock()
		d.handle(g, msg, message)
		d.mu.Unlock()
	}
}

// handle runs with d.mu held.
func (d *DeepgramCapture) handle(g *gate, msg deepgramMessage, raw []byte) {
	switch msg.Type {
	case "Results":
		var text string
		if len(msg.Channel.Alternatives) > 0 {
			text = strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		}

		current := d.committed
		if text != "" {
			current = append(append([]string(nil), d.committed...), text)
		}
		utterance := strings.Join(current, " ")

		switch {
		case msg.SpeechFinal:
			d.committed = nil
			g.deliver(Event{Kind: Final, Text: utterance})
		case msg.IsFinal:
			d.committed = current
			if utterance != "" {
				g.deliver(Event{Kind: Partial, Text: utterance})
			}
		case utterance != "":
			g.deliver(Event{Kind: Partial, Text: utterance})
		}

	case "UtteranceEnd":
		if len(d.committed) > 0 {
			utterance := strings.Join(d.committed, " ")
			d.committed = nil
			g.deliver(Event{Kind: Final, Text: utterance})
		}

	case "Metadata":
		d.logger.Debug().Msg("Deepgram metadata received")

	case "Error":
		d.logger.Error().Str("message", string(raw)).Msg("Deepgram error")
	}
}

// SendAudio forwards a chunk of PCM audio.
func (d *DeepgramCapture) SendAudio(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return ErrClosed
	}
	return d.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// Stop closes the stream. No events are delivered once it returns.
func (d *DeepgramCapture) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	d.g.closed = true

	closeMsg := []byte(`{"type": "CloseStream"}`)
	if err := d.conn.WriteMessage(websocket.TextMessage, closeMsg); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to send close message")
	}

	err := d.conn.Close()
	d.conn = nil
	d.g = nil
	d.committed = nil

	d.logger.Info().Msg("Deepgram streaming stopped")
	return err
}
