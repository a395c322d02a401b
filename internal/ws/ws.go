// Package ws maintains one long-lived multiplexed WebSocket stream to the
// exchange. The connection reconnects automatically with exponential
// backoff, keeps the transport alive with TCP keepalive plus application
// pings, and surfaces decoded traffic on two observables: data frames as
// Messages and connection state plus control acknowledgements as Events.
package ws

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coinlake/binance-collector/internal/logging"
	"github.com/coinlake/binance-collector/internal/rx"
)

const (
	// initialBackoff and maxBackoff bound the reconnect delay. The delay
	// doubles on every failed attempt and resets on a successful dial.
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 60 * time.Second

	// pingInterval and pongTimeout drive the application-level liveness
	// check on top of TCP keepalive.
	pingInterval = 300 * time.Second
	pongTimeout  = 30 * time.Second

	writeTimeout     = 10 * time.Second
	closeGracePeriod = time.Second
)

// Message is one data frame from the combined stream. Data carries the
// full decoded envelope including the stream identifier, not just the
// inner payload, so on-disk records stay self-describing.
type Message struct {
	Symbol  string
	Channel string
	Data    map[string]any
}

// EventType enumerates connection events.
type EventType int

const (
	// Connected fires after the transport is open and keepalive is set.
	Connected EventType = iota

	// Disconnected fires after the transport closed for any reason,
	// before the reconnect timer starts.
	Disconnected

	// ControlMessage fires when the exchange acknowledges a SUBSCRIBE or
	// UNSUBSCRIBE request.
	ControlMessage
)

// String renders the event type for logs.
func (t EventType) String() string {
	switch t {
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	case ControlMessage:
		return "CONTROL_MESSAGE"
	}
	return "UNKNOWN"
}

// EventContext carries the correlation id of an acknowledged control
// request.
type EventContext struct {
	ID uint64
}

// Event is one connection event. Context is non-nil for ControlMessage.
type Event struct {
	Type    EventType
	Context *EventContext
}

// Conn is an auto-reconnecting WebSocket connection.
type Conn struct {
	url    string
	logger zerolog.Logger

	dialer *websocket.Dialer

	messages *rx.Subject[Message]
	events   *rx.Subject[Event]

	mu   sync.Mutex
	conn *websocket.Conn // nil while no transport is attached

	writeMu sync.Mutex

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a connection without dialing. Call Start once the
// observers are subscribed so the first Connected event cannot be
// missed.
func New(url string) *Conn {
	return &Conn{
		url:    url,
		logger: logging.WithComponent("ws"),
		dialer: &websocket.Dialer{
			Proxy: http.ProxyFromEnvironment,
			NetDialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			HandshakeTimeout: 45 * time.Second,
		},
		messages: rx.NewSubject[Message](),
		events:   rx.NewSubject[Event](),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the connect loop. Must be called exactly once.
func (c *Conn) Start() {
	go c.run()
}

// Messages returns the data frame observable. Observers run on the
// connection's read goroutine.
func (c *Conn) Messages() *rx.Observable[Message] {
	return c.messages.AsObservable()
}

// Events returns the connection event observable. Observers run on the
// connection's read goroutine.
func (c *Conn) Events() *rx.Observable[Event] {
	return c.events.AsObservable()
}

// SendMessage encodes v as JSON and transmits it as a text frame. When no
// transport is attached mid-reconnect the message is silently dropped;
// callers must not assume delivery without a matching acknowledgement.
func (c *Conn) SendMessage(v any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Warn().Msg("Dropping message, no transport attached")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		c.logger.Error().Err(err).Msg("Could not send message")
	}
}

// Close disables reconnection, closes the transport with a normal close
// frame, and waits for the connect loop to exit.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			deadline := time.Now().Add(closeGracePeriod)
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				deadline,
			)

			select {
			case <-c.done:
				return
			case <-time.After(closeGracePeriod):
				conn.Close()
			}
		}

		<-c.done
	})
}

// run dials in a loop until Close is called, backing off exponentially on
// failures and resetting the delay after every successful connect.
func (c *Conn) run() {
	defer close(c.done)

	backoff := initialBackoff
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Could not connect")
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff

		c.attach(conn)
		c.logger.Info().Str("url", c.url).Msg("WebSocket connected")
		c.events.Next(Event{Type: Connected})

		c.serve(conn)

		c.detach()
		c.logger.Info().Msg("WebSocket disconnected")
		c.events.Next(Event{Type: Disconnected})

		select {
		case <-c.stopCh:
			return
		default:
		}

		if !c.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// sleep waits for d or for Close, reporting false when closing.
func (c *Conn) sleep(d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Conn) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Conn) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

// serve runs the read loop of one transport until it fails or closes.
// A companion goroutine sends application pings; the read deadline is
// pushed forward by pingInterval plus pongTimeout on every frame and
// every pong, so a peer that sends nothing, pongs included, times out
// that long after its last frame.
func (c *Conn) serve(conn *websocket.Conn) {
	defer conn.Close()

	deadline := pingInterval + pongTimeout
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("Read failed")
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(deadline))

		if messageType != websocket.TextMessage {
			continue
		}
		c.handlePayload(payload)
	}
}

// pingLoop sends an application ping every pingInterval until the
// transport's read loop exits.
func (c *Conn) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn().Err(err).Msg("Could not send ping")
				return
			}
		}
	}
}

// handlePayload decodes one text frame and dispatches it. Data frames
// carry a "stream" field; control acknowledgements carry a null "result".
// Anything else is logged and dropped, as are frames that fail to decode.
func (c *Conn) handlePayload(payload []byte) {
	var message map[string]any
	if err := json.Unmarshal(payload, &message); err != nil {
		c.logger.Error().Err(err).Msg("Could not decode payload")
		return
	}

	if stream, ok := message["stream"].(string); ok {
		parts := strings.Split(stream, "@")
		if len(parts) < 2 {
			c.logger.Warn().Str("stream", stream).Msg("Unexpected stream identifier")
			return
		}

		c.messages.Next(Message{
			Symbol:  parts[0],
			Channel: parts[1],
			Data:    message,
		})
		return
	}

	if result, ok := message["result"]; ok && result == nil {
		id, ok := message["id"].(float64)
		if !ok {
			c.logger.Warn().Interface("message", message).Msg("Control message without id")
			return
		}

		c.events.Next(Event{
			Type:    ControlMessage,
			Context: &EventContext{ID: uint64(id)},
		})
		return
	}

	c.logger.Warn().Interface("message", message).Msg("Unexpected message")
}
