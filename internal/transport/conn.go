package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jsherman999/statehub/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Options struct {
	MaxMessageBytes int64
	SendBuffer      int
	// Buffered holds inbound events until handlers exist (see Dispatcher).
	Buffered bool
}

func (o Options) withDefaults() Options {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Conn is a websocket-backed Socket. Call Start once to run its pumps.
type Conn struct {
	*Dispatcher

	id    string
	ws    *websocket.Conn
	codec protocol.Codec
	opts  Options
	log   zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, codec protocol.Codec, log zerolog.Logger, opts Options) *Conn {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Conn{
		Dispatcher: NewDispatcher(opts.Buffered),
		id:         id,
		ws:         ws,
		codec:      codec,
		opts:       opts,
		log:        log.With().Str("conn", id).Str("codec", codec.Name()).Logger(),
		send:       make(chan []byte, opts.SendBuffer),
		done:       make(chan struct{}),
	}
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Conn) Emit(event string, payload any) error {
	b, err := c.codec.EncodeFrame(event, 0, payload)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

// Close tears the connection down. The disconnect event is dispatched from
// the read pump once it notices.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

func (c *Conn) enqueue(b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readPump() {
	defer func() {
		c.shutdown()
		c.Dispatch(NewMessage(c.codec, protocol.EventDisconnect, nil, nil))
	}()

	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := c.codec.DecodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("invalid frame")
			continue
		}
		if protocol.Reserved(f.Event) {
			continue
		}
		c.Dispatch(NewMessage(c.codec, f.Event, f.Data, c.acker(f)))
	}
}

func (c *Conn) acker(f protocol.Frame) func(any) error {
	if f.ID == 0 {
		return nil
	}
	return func(payload any) error {
		b, err := c.codec.EncodeFrame(protocol.EventAck, f.ID, payload)
		if err != nil {
			return err
		}
		return c.enqueue(b)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msgType, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
