package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/recera/vango-thin/pkg/conn"
)

var (
	// ErrNotConnected is returned when no websocket is open
	ErrNotConnected = errors.New("not connected")
	// ErrSendBufferFull is returned when the writer cannot keep up
	ErrSendBufferFull = errors.New("send buffer full")
)

// ChannelOptions configures a WSChannel
type ChannelOptions struct {
	// URL is the websocket endpoint, e.g. ws://host/live/{sid}
	URL string
	Sid string
	Ver string
	// LastSeq reports the last applied frame seq, sent with join
	LastSeq func() int

	Codec  *Codec
	Dialer *websocket.Dialer
	Header http.Header

	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	SendBuffer   int

	// OnMessage receives every inbound message except the join reply.
	// It runs on the read goroutine.
	OnMessage func(Message)
	// OnLost reports a websocket that dropped without Leave
	OnLost func(error)
	// OnInvalid reports a message that failed decoding or validation
	OnInvalid func(error)
}

// ChannelStats counts websocket traffic
type ChannelStats struct {
	Sent     int64
	Received int64
	Invalid  int64
}

// WSChannel is the gorilla websocket implementation of conn.Channel
type WSChannel struct {
	opts ChannelOptions

	mu   sync.Mutex
	sess *wsSession

	sent     atomic.Int64
	received atomic.Int64
	invalid  atomic.Int64
}

var _ conn.Channel = (*WSChannel)(nil)

type outbound struct {
	kind int
	data []byte
}

// wsSession is one dialed websocket
type wsSession struct {
	conn    *websocket.Conn
	send    chan outbound
	replies chan Message
	done    chan struct{}

	closeOnce sync.Once
	leaving   atomic.Bool
	joined    atomic.Bool
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// NewChannel creates a channel. Zero options take the server's defaults.
func NewChannel(opts ChannelOptions) (*WSChannel, error) {
	if opts.URL == "" {
		return nil, errors.New("channel URL required")
	}
	if opts.Codec == nil {
		c, err := NewCodec(false)
		if err != nil {
			return nil, err
		}
		opts.Codec = c
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	if opts.LastSeq == nil {
		opts.LastSeq = func() int { return 0 }
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingPeriod
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = writeWait
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = pongWait
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &WSChannel{opts: opts}, nil
}

// Stats returns traffic counters
func (c *WSChannel) Stats() ChannelStats {
	return ChannelStats{Sent: c.sent.Load(), Received: c.received.Load(), Invalid: c.invalid.Load()}
}

// Connect dials the websocket and starts the read and write pumps
func (c *WSChannel) Connect(ctx context.Context) error {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", c.opts.URL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	ws.SetReadLimit(MaxMessageSize + binaryHeaderMax)

	s := &wsSession{
		conn:    ws,
		send:    make(chan outbound, c.opts.SendBuffer),
		replies: make(chan Message, 1),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	prev := c.sess
	c.sess = s
	c.mu.Unlock()
	if prev != nil {
		prev.leaving.Store(true)
		prev.close()
	}

	var g errgroup.Group
	g.Go(func() error { return c.readPump(s) })
	g.Go(func() error { return c.writePump(s) })
	go func() {
		err := g.Wait()
		if s.leaving.Load() {
			return
		}
		if err == nil {
			err = ErrNotConnected
		}
		glog.Warningf("[Live Channel %s] connection lost: %v", c.opts.Sid, err)
		if c.opts.OnLost != nil {
			c.opts.OnLost(err)
		}
	}()
	if glog.V(1) {
		glog.Infof("[Live Channel %s] connected to %s", c.opts.Sid, c.opts.URL)
	}
	return nil
}

func (c *WSChannel) current() (*wsSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}

// Join sends the join request and waits for the reply. A rejection, a
// session error or a server on another version is conn.ErrDeclined.
func (c *WSChannel) Join(ctx context.Context) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	if err := c.enqueue(s, Join(c.opts.Sid, c.opts.Ver, c.opts.LastSeq())); err != nil {
		return err
	}
	select {
	case reply := <-s.replies:
		switch {
		case reply.Declines():
			return fmt.Errorf("%w: %s %s", conn.ErrDeclined, reply.Code, reply.Message)
		case reply.T == TypeError:
			return fmt.Errorf("join failed: %s %s", reply.Code, reply.Message)
		case reply.Ver != "" && c.opts.Ver != "" && reply.Ver != c.opts.Ver:
			return fmt.Errorf("%w: server version %s, client %s", conn.ErrDeclined, reply.Ver, c.opts.Ver)
		}
		return nil
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave closes the websocket without reporting it as lost
func (c *WSChannel) Leave() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	s.leaving.Store(true)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteTimeout))
	s.close()
	return nil
}

// Send queues a Message for the writer
func (c *WSChannel) Send(msg any) error {
	m, ok := msg.(Message)
	if !ok {
		return fmt.Errorf("send %T: want live.Message", msg)
	}
	s, err := c.current()
	if err != nil {
		return err
	}
	return c.enqueue(s, m)
}

func (c *WSChannel) enqueue(s *wsSession, m Message) error {
	kind, data, err := c.opts.Codec.Encode(m)
	if err != nil {
		return err
	}
	select {
	case s.send <- outbound{kind: kind, data: data}:
		return nil
	case <-s.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

func (c *WSChannel) readPump(s *wsSession) error {
	defer s.close()
	s.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return nil
	})
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.leaving.Load() {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("unexpected close: %w", err)
			}
			return err
		}
		s.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		c.received.Add(1)

		m, err := c.opts.Codec.Decode(kind, data)
		if err != nil {
			c.invalid.Add(1)
			glog.Warningf("[Live Channel %s] dropping message: %v", c.opts.Sid, err)
			if c.opts.OnInvalid != nil {
				c.opts.OnInvalid(err)
			}
			continue
		}
		if !s.joined.Load() && (m.T == TypeJoin || m.T == TypeError) {
			if m.T == TypeJoin && !m.Declines() {
				s.joined.Store(true)
			}
			select {
			case s.replies <- m:
			default:
			}
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(m)
		}
	}
}

func (c *WSChannel) writePump(s *wsSession) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	defer s.close()
	for {
		select {
		case out := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := s.conn.WriteMessage(out.kind, out.data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			c.sent.Add(1)
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-s.done:
			return nil
		}
	}
}
