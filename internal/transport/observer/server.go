package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"voxelrtp/internal/observerproto"
	"voxelrtp/internal/rtp"
)

// Server streams teleport outcomes to observer connections. It is an
// rtp.Recorder: every recorded outcome is fanned out to matching subscribers.
type Server struct {
	bootstrap func() observerproto.BootstrapResponse
	log       zerolog.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.RWMutex
	subs map[string]*subscriber

	droppedTotal atomic.Uint64
}

type subscriber struct {
	out    chan []byte
	filter atomic.Pointer[filter]
}

type filter struct {
	worlds   map[string]bool
	outcomes map[string]bool
}

func (f *filter) match(worldID, outcome string) bool {
	if f == nil {
		return true
	}
	if len(f.worlds) > 0 && !f.worlds[worldID] {
		return false
	}
	if len(f.outcomes) > 0 && !f.outcomes[outcome] {
		return false
	}
	return true
}

func NewServer(bootstrap func() observerproto.BootstrapResponse, logger zerolog.Logger) *Server {
	return &Server{
		bootstrap: bootstrap,
		log:       logger.With().Str("component", "observer").Logger(),
		subs:      map[string]*subscriber{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// RecordOutcome never blocks; slow observers miss frames.
func (s *Server) RecordOutcome(r rtp.Record) error {
	msg := observerproto.OutcomeMsg{
		Type:            observerproto.TypeOutcome,
		ProtocolVersion: observerproto.Version,
		Time:            r.Time.UTC().Format(time.RFC3339Nano),
		ActorID:         r.ActorID,
		WorldID:         r.WorldID,
		Outcome:         r.Outcome,
		Attempts:        r.Attempts,
		Pos:             r.Pos,
		DurationMs:      r.DurationMs,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.filter.Load().match(r.WorldID, r.Outcome) {
			continue
		}
		select {
		case sub.out <- b:
		default:
			s.droppedTotal.Add(1)
		}
	}
	return nil
}

func (s *Server) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Server) DroppedTotal() uint64 { return s.droppedTotal.Load() }

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := s.bootstrap()
		resp.ProtocolVersion = observerproto.Version
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sub := &subscriber{out: make(chan []byte, 256)}
		sub.filter.Store(f)

		ack, _ := json.Marshal(observerproto.SubscribedMsg{Type: observerproto.TypeSubscribed, ProtocolVersion: observerproto.Version, SessionID: sid})
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			return
		}

		s.mu.Lock()
		s.subs[sid] = sub
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()
		s.log.Debug().Str("session_id", sid).Msg("observer subscribed")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sub.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if f, ok := parseSubscribe(msg); ok {
				sub.filter.Store(f)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func parseSubscribe(msg []byte) (*filter, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return nil, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return nil, false
	}
	f := &filter{}
	for _, w := range sub.Worlds {
		if w = strings.TrimSpace(w); w != "" {
			if f.worlds == nil {
				f.worlds = map[string]bool{}
			}
			f.worlds[w] = true
		}
	}
	for _, o := range sub.Outcomes {
		if o = strings.ToUpper(strings.TrimSpace(o)); o != "" {
			if f.outcomes == nil {
				f.outcomes = map[string]bool{}
			}
			f.outcomes[o] = true
		}
	}
	return f, true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
