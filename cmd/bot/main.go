package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"voxelrtp/internal/logging"
	"voxelrtp/internal/protocol"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "actor name")
		actorID  = flag.String("actor_id", "", "resume this actor id")
		token    = flag.String("token", "", "HELLO auth token (cooldown bypass)")
		count    = flag.Int("count", 1, "number of RTP requests to send")
		interval = flag.Duration("interval", 2*time.Second, "delay between RTP requests")
		level    = flag.String("log_level", "info", "log level")
	)
	flag.Parse()

	logger := logging.Component(logging.New(os.Stdout, *level, true), "bot")
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial")
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ActorName:       *name,
		ActorID:         *actorID,
	}
	if *token != "" {
		hello.Auth = &protocol.HelloAuth{Token: *token}
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatal().Err(err).Msg("send HELLO")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	results := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Info().Str("actor_id", w.ActorID).Str("world", w.WorldID).Ints("pos", w.Pos[:]).Bool("bypass", w.BypassCooldown).Msg("WELCOME")
			go sendRTP(conn, logger, *count, *interval)

		case protocol.TypeNotice:
			var n protocol.NoticeMsg
			if err := json.Unmarshal(msg, &n); err == nil {
				logger.Info().Msg(n.Text)
			}

		case protocol.TypeTeleported:
			var tp protocol.TeleportedMsg
			if err := json.Unmarshal(msg, &tp); err == nil {
				logger.Info().Str("world", tp.WorldID).Ints("pos", tp.Pos[:]).Msg("TELEPORTED")
			}

		case protocol.TypeResult:
			var r protocol.ResultMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			ev := logger.Info().Str("request_id", r.RequestID).Str("outcome", r.Outcome).Int("attempts", r.Attempts)
			if r.Code != "" {
				ev = ev.Str("code", r.Code)
			}
			if r.SecondsLeft > 0 {
				ev = ev.Int("seconds_left", r.SecondsLeft)
			}
			ev.Msg("RTP_RESULT")
			results++
			if results >= *count {
				return
			}

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err == nil {
				logger.Warn().Str("code", e.Code).Msg(e.Message)
			}
		}
	}
}

func sendRTP(conn *websocket.Conn, logger zerolog.Logger, count int, interval time.Duration) {
	for i := 0; i < count; i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		req := protocol.RTPMsg{
			Type:            protocol.TypeRTP,
			ProtocolVersion: protocol.Version,
			RequestID:       fmt.Sprintf("rtp-%d", i+1),
		}
		if err := conn.WriteJSON(req); err != nil {
			logger.Error().Err(err).Msg("send RTP")
			return
		}
	}
}
