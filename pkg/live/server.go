package live

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	binaryHeaderMax = 16
)

// Recording is a captured session: an optional boot followed by frames
type Recording struct {
	Boot   *Message
	Frames []Message
}

// LoadRecording reads a JSON-lines recording. Every line is validated as
// a wire message; only boot and frame lines are kept.
func LoadRecording(r io.Reader, codec *Codec) (*Recording, error) {
	rec := &Recording{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxMessageSize)
	line := 0
	for sc.Scan() {
		line++
		data := sc.Bytes()
		if len(data) == 0 {
			continue
		}
		m, err := codec.Decode(websocket.TextMessage, data)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		switch m.T {
		case TypeBoot:
			rec.Boot = &m
		case TypeFrame:
			rec.Frames = append(rec.Frames, m)
		default:
			glog.Warningf("[Live Server] recording line %d: skipping %s", line, m.T)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	return rec, nil
}

// LoadRecordingFile opens and reads a recording
func LoadRecordingFile(path string, codec *Codec) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadRecording(f, codec)
}

// ServerOptions configures the replay server
type ServerOptions struct {
	Codec *Codec
	// Ver is announced in join replies
	Ver string
	// Interval spaces replayed frames; zero sends them back to back
	Interval time.Duration
	// Accept decides whether a join is accepted; nil accepts every session
	Accept func(sid string) bool
	// OnMessage observes client messages after the server handled them
	OnMessage func(sid string, m Message)
	// CheckOrigin overrides the upgrader origin check
	CheckOrigin func(r *http.Request) bool
}

// Server replays a Recording to every joined session over websocket
type Server struct {
	opts     ServerOptions
	rec      *Recording
	upgrader websocket.Upgrader
	router   chi.Router

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewServer creates a replay server for rec
func NewServer(rec *Recording, opts ServerOptions) (*Server, error) {
	if opts.Codec == nil {
		c, err := NewCodec(false)
		if err != nil {
			return nil, err
		}
		opts.Codec = c
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if rec == nil {
		rec = &Recording{}
	}
	s := &Server{
		opts: opts,
		rec:  rec,
		upgrader: websocket.Upgrader{
			CheckOrigin:     opts.CheckOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sessions: make(map[string]*Session),
	}
	r := chi.NewRouter()
	r.Get("/live/{sid}", s.HandleWebSocket)
	r.Get("/boot", s.handleBoot)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.router = r
	return s, nil
}

// ServeHTTP routes requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleBoot serves the recorded boot payload
func (s *Server) handleBoot(w http.ResponseWriter, _ *http.Request) {
	if s.rec.Boot == nil {
		http.Error(w, "no boot payload recorded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.rec.Boot); err != nil {
		glog.Errorf("[Live Server] writing boot: %v", err)
	}
}

// HandleWebSocket upgrades /live/{sid} and runs the session
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if sid == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("[Live Server] upgrade failed: %v", err)
		return
	}
	sess := s.attach(sid, ws)
	go sess.run()
}

// attach replaces any previous connection of sid
func (s *Server) attach(sid string, ws *websocket.Conn) *Session {
	sess := &Session{
		ID:        sid,
		srv:       s,
		conn:      ws,
		sendChan:  make(chan outbound, 256),
		closeChan: make(chan struct{}),
		resend:    make(chan int, 1),
		lastAck:   -1,
	}
	s.mu.Lock()
	prev := s.sessions[sid]
	s.sessions[sid] = sess
	s.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	return sess
}

// Session returns the live session for sid
func (s *Server) Session(sid string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sid]
	return sess, ok
}

func (s *Server) remove(sess *Session) {
	s.mu.Lock()
	if s.sessions[sess.ID] == sess {
		delete(s.sessions, sess.ID)
	}
	s.mu.Unlock()
}

// Session is one client websocket on the replay server
type Session struct {
	ID   string
	srv  *Server
	conn *websocket.Conn

	sendChan  chan outbound
	closeChan chan struct{}
	closeOnce sync.Once
	// resend carries the seq to stream from
	resend chan int

	mu       sync.Mutex
	lastAck  int
	received []Message
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.conn.Close()
	})
}

// LastAck returns the highest acknowledged seq, or -1
func (s *Session) LastAck() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

// Received returns the client messages seen so far
func (s *Session) Received() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.received...)
}

// Send queues m for the client
func (s *Session) Send(m Message) error {
	kind, data, err := s.srv.opts.Codec.Encode(m)
	if err != nil {
		return err
	}
	select {
	case s.sendChan <- outbound{kind: kind, data: data}:
		return nil
	case <-s.closeChan:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

func (s *Session) run() {
	defer s.srv.remove(s)
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { defer s.close(); return s.reader() })
	g.Go(func() error { defer s.close(); return s.writer() })
	g.Go(func() error { return s.streamer(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		glog.Warningf("[Live Session %s] closed: %v", s.ID, err)
	}
}

func (s *Session) reader() error {
	s.conn.SetReadLimit(MaxMessageSize + binaryHeaderMax)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("unexpected close: %w", err)
			}
			return nil
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		m, err := s.srv.opts.Codec.Decode(kind, data)
		if err != nil {
			glog.Warningf("[Live Session %s] dropping message: %v", s.ID, err)
			continue
		}
		s.handle(m)
	}
}

func (s *Session) handle(m Message) {
	s.mu.Lock()
	s.received = append(s.received, m)
	s.mu.Unlock()

	switch m.T {
	case TypeJoin:
		ok := s.srv.opts.Accept == nil || s.srv.opts.Accept(s.ID)
		if err := s.Send(JoinReply(s.ID, s.srv.opts.Ver, ok)); err != nil {
			glog.Warningf("[Live Session %s] join reply: %v", s.ID, err)
		}
		if ok {
			s.stream(m.Seq + 1)
		}
	case TypeAck:
		s.mu.Lock()
		if m.Seq > s.lastAck {
			s.lastAck = m.Seq
		}
		s.mu.Unlock()
	case TypeRecover:
		s.stream(s.LastAck() + 1)
	}
	if glog.V(2) {
		glog.Infof("[Live Session %s] received %s", s.ID, m.T)
	}
	if s.srv.opts.OnMessage != nil {
		s.srv.opts.OnMessage(s.ID, m)
	}
}

// stream restarts replay at seq from
func (s *Session) stream(from int) {
	select {
	case <-s.resend:
	default:
	}
	s.resend <- from
}

func (s *Session) writer() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case out := <-s.sendChan:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(out.kind, out.data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-s.closeChan:
			return nil
		}
	}
}

// streamer sends recorded frames starting at the requested seq. A new
// request restarts the replay with a resume notice.
func (s *Session) streamer(ctx context.Context) error {
	frames := s.srv.rec.Frames
	next := -1
	for {
		from := next
		next = -1
		if from < 0 {
			select {
			case from = <-s.resend:
			case <-s.closeChan:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
		if len(frames) > 0 && from > frames[0].Seq {
			if err := s.Send(Message{T: TypeResume, From: from, To: frames[len(frames)-1].Seq}); err != nil {
				return err
			}
		}
		for _, f := range frames {
			if f.Seq < from {
				continue
			}
			if s.srv.opts.Interval > 0 {
				select {
				case <-time.After(s.srv.opts.Interval):
				case next = <-s.resend:
				case <-s.closeChan:
					return nil
				}
				if next >= 0 {
					break
				}
			}
			f.Sid = s.ID
			if err := s.Send(f); err != nil {
				return fmt.Errorf("frame %d: %w", f.Seq, err)
			}
		}
	}
}
