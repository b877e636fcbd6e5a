package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"voxelrtp/internal/protocol"
	"voxelrtp/internal/rtp"
	"voxelrtp/internal/sim/multiworld"
	"voxelrtp/internal/sim/world"
)

// Sessions admits and releases actors.
type Sessions interface {
	Join(ctx context.Context, id uuid.UUID, name string, out chan []byte, worldPreference string) (multiworld.Session, world.JoinResponse, error)
	Leave(s multiworld.Session)
}

// Teleporter runs random teleport requests.
type Teleporter interface {
	RequestTeleport(ctx context.Context, id uuid.UUID, bypassCooldown bool) (rtp.Outcome, error)
}

type Options struct {
	Sessions   Sessions
	Teleporter Teleporter
	Logger     zerolog.Logger
	// BypassToken grants cooldown bypass to clients presenting it in HELLO.auth.
	BypassToken string
}

type Server struct {
	sessions    Sessions
	teleporter  Teleporter
	log         zerolog.Logger
	bypassToken string

	upgrader websocket.Upgrader
}

const outQueue = 32

func NewServer(opts Options) *Server {
	return &Server{
		sessions:    opts.Sessions,
		teleporter:  opts.Teleporter,
		log:         opts.Logger.With().Str("component", "ws").Logger(),
		bypassToken: strings.TrimSpace(opts.BypassToken),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess, bypass, ok := s.handshake(r.Context(), conn)
		if !ok {
			return
		}
		log := s.log.With().Str("actor_id", sess.ActorID.String()).Logger()
		log.Info().Str("world", sess.CurrentWorld).Msg("actor connected")

		ctx, cancel := context.WithCancel(context.Background())
		var pending sync.WaitGroup
		defer func() {
			cancel()
			pending.Wait()
			s.sessions.Leave(sess)
			log.Info().Msg("actor disconnected")
		}()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-sess.Out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.reply(ctx, sess.Out, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "malformed message"})
				continue
			}
			if base.Type != protocol.TypeRTP {
				s.reply(ctx, sess.Out, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "unsupported type " + base.Type})
				continue
			}
			var req protocol.RTPMsg
			if err := json.Unmarshal(msg, &req); err != nil || req.ProtocolVersion != protocol.Version {
				s.reply(ctx, sess.Out, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Message: "bad RTP request"})
				continue
			}
			pending.Add(1)
			go func() {
				defer pending.Done()
				out, err := s.teleporter.RequestTeleport(ctx, sess.ActorID, bypass)
				if err != nil {
					// Connection gone; the search clears its own state.
					return
				}
				s.reply(ctx, sess.Out, ResultMsg(req.RequestID, out))
			}()
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (multiworld.Session, bool, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return multiworld.Session{}, false, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return multiworld.Session{}, false, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, "bad HELLO")
		return multiworld.Session{}, false, false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return multiworld.Session{}, false, false
	}
	if hello.ActorName == "" {
		hello.ActorName = "actor"
	}

	// Optional: resume an existing identity (reconnect).
	id := uuid.Nil
	if hello.ActorID != "" {
		parsed, err := uuid.Parse(hello.ActorID)
		if err != nil {
			closeWith(conn, "bad actor_id")
			return multiworld.Session{}, false, false
		}
		id = parsed
	}
	bypass := false
	if hello.Auth != nil && s.bypassToken != "" {
		bypass = strings.TrimSpace(hello.Auth.Token) == s.bypassToken
	}

	out := make(chan []byte, outQueue)
	sess, resp, err := s.sessions.Join(ctx, id, hello.ActorName, out, "")
	if err != nil {
		s.log.Error().Err(err).Msg("join failed")
		_ = writeJSON(conn, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrWorldNotFound, Message: "no world available"})
		return multiworld.Session{}, false, false
	}
	welcome := resp.Welcome
	welcome.BypassCooldown = bypass
	if err := writeJSON(conn, welcome); err != nil {
		s.sessions.Leave(sess)
		return multiworld.Session{}, false, false
	}
	return sess, bypass, true
}

// ResultMsg maps an outcome to its RTP_RESULT frame.
func ResultMsg(requestID string, out rtp.Outcome) protocol.ResultMsg {
	m := protocol.ResultMsg{
		Type:      protocol.TypeResult,
		RequestID: requestID,
		Outcome:   out.Kind.String(),
		Attempts:  out.Attempts,
	}
	switch out.Kind {
	case rtp.Success:
		pos := [3]int{out.Location.X, out.Location.Y, out.Location.Z}
		m.Pos = &pos
	case rtp.AlreadySearching:
		m.Code = protocol.ErrBusy
	case rtp.OnCooldown:
		m.Code = protocol.ErrCooldown
		m.SecondsLeft = out.SecondsLeft
	case rtp.WorldUnavailable:
		m.Code = protocol.ErrWorldNotFound
	case rtp.NotFound, rtp.ActorGone:
		m.Code = protocol.ErrNotFound
		if out.Err != nil {
			m.Code = protocol.ErrInternal
		}
	}
	return m
}

func (s *Server) reply(ctx context.Context, out chan []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case out <- b:
	case <-ctx.Done():
	}
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
