package capture

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConsoleCapture treats each line of input as one spoken utterance. Words
// arrive as growing partials, then the whole line as a final. A session
// delivers at most one utterance; EOF delivers End and closes the source.
type ConsoleCapture struct {
	in        io.Reader
	wordDelay time.Duration
	logger    zerolog.Logger

	readOnce sync.Once
	lines    chan string
	eof      chan struct{}

	mu     sync.Mutex
	g      *gate
	stop   chan struct{}
	closed bool
}

// NewConsoleCapture creates a capture reading from in. wordDelay paces the
// partial events.
func NewConsoleCapture(in io.Reader, wordDelay time.Duration, logger zerolog.Logger) *ConsoleCapture {
	return &ConsoleCapture{
		in:        in,
		wordDelay: wordDelay,
		logger:    logger.With().Str("component", "capture-console").Logger(),
		lines:     make(chan string),
		eof:       make(chan struct{}),
	}
}

// Done is closed once the input has been read to the end.
func (c *ConsoleCapture) Done() <-chan struct{} {
	return c.eof
}

func (c *ConsoleCapture) readLines() {
	defer close(c.eof)
	defer close(c.lines)

	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Console read failed")
	}
}

// Start begins delivering lines to sink.
func (c *ConsoleCapture) Start(ctx context.Context, sink Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.g != nil {
		return nil
	}

	c.readOnce.Do(func() { go c.readLines() })

	g := &gate{sink: sink}
	stop := make(chan struct{})
	c.g = g
	c.stop = stop

	go c.run(ctx, g, stop)
	c.logger.Debug().Msg("Capture started")
	return nil
}

// Stop ends the current session. Unread input stays queued for the next one.
func (c *ConsoleCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.g == nil {
		return nil
	}
	c.g.closed = true
	close(c.stop)
	c.g = nil
	c.stop = nil
	c.logger.Debug().Msg("Capture stopped")
	return nil
}

func (c *ConsoleCapture) emit(g *gate, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g.deliver(ev)
}

func (c *ConsoleCapture) run(ctx context.Context, g *gate, stop <-chan struct{}) {
	var line string
	var ok bool
	select {
	case <-ctx.Done():
		return
	case <-stop:
		return
	case line, ok = <-c.lines:
	}

	if !ok {
		c.mu.Lock()
		g.deliver(Event{Kind: End})
		c.closed = true
		if c.g == g {
			g.closed = true
			c.g = nil
			c.stop = nil
		}
		c.mu.Unlock()
		return
	}

	words := strings.Fields(line)
	for i := range words {
		c.emit(g, Event{Kind: Partial, Text: strings.Join(words[:i+1], " ")})
		if c.wordDelay > 0 {
			select {
			case <-time.After(c.wordDelay):
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
	c.emit(g, Event{Kind: Final, Text: strings.Join(words, " ")})
}
