package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the websocket relay. Each endpoint connects once with its id; a
// second connection for an id that is still connected is refused.
type Server struct {
	mu    sync.Mutex
	peers map[string]*peer
}

// NewServer returns an empty relay.
func NewServer() *Server {
	return &Server{peers: make(map[string]*peer)}
}

type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (p *peer) trySend(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (p *peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// Peers returns the ids currently connected.
func (s *Server) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// ServeHTTP upgrades the request and relays frames for the endpoint named
// by the id query parameter until the connection drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(IDParam)
	if id == "" {
		http.Error(w, ErrMissingID.Error(), http.StatusBadRequest)
		return
	}

	// The id is claimed before the upgrade so two racing dials cannot both
	// win it.
	p := &peer{id: id, send: make(chan []byte, sendBufferSize)}
	s.mu.Lock()
	if old := s.peers[id]; old != nil && !old.isClosed() {
		s.mu.Unlock()
		log.Warnw("endpoint id already connected", "id", id, "remote", r.RemoteAddr)
		http.Error(w, ErrIDInUse.Error(), http.StatusConflict)
		return
	}
	s.peers[id] = p
	n := len(s.peers)
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("upgrade failed", "err", err)
		s.release(p)
		return
	}
	p.conn = conn
	log.Infow("endpoint connected", "id", id, "total", n)

	go s.writePump(p)
	s.readPump(p)
}

// release frees p's id and closes its send queue. It returns the number of
// endpoints left.
func (s *Server) release(p *peer) int {
	s.mu.Lock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	n := len(s.peers)
	s.mu.Unlock()
	p.close()
	return n
}

func (s *Server) readPump(p *peer) {
	defer func() {
		n := s.release(p)
		log.Infow("endpoint disconnected", "id", p.id, "total", n)
	}()

	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugw("read error", "id", p.id, "err", err)
			}
			return
		}
		s.route(p, data)
	}
}

func (s *Server) route(from *peer, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.To == "" {
		log.Warnw("bad frame", "from", from.id, "err", err)
		return
	}

	s.mu.Lock()
	to := s.peers[f.To]
	s.mu.Unlock()

	if to == nil {
		log.Debugw("target not connected", "from", from.id, "to", f.To)
		s.reply(from, Frame{From: f.To, Error: "endpoint not connected"})
		return
	}
	b, err := json.Marshal(Frame{From: from.id, Payload: f.Payload})
	if err != nil {
		return
	}
	if err := to.trySend(b); err != nil {
		log.Warnw("relay dropped frame", "from", from.id, "to", f.To, "err", err)
	}
}

func (s *Server) reply(p *peer, f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	_ = p.trySend(b)
}

func (s *Server) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case b, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debugw("write error", "id", p.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
