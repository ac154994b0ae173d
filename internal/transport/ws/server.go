package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ticksync.dev/internal/logging"
	"ticksync.dev/internal/protocol"
	"ticksync.dev/internal/server"
	"ticksync.dev/internal/sim/command"
)

// Session is the side of the authoritative server a connection talks to.
type Session interface {
	Join() chan<- server.JoinRequest
	Attach() chan<- server.AttachRequest
	Leave() chan<- server.LeaveRequest
	Inbox() chan<- server.CommandsEnvelope
}

type Server struct {
	session Session
	// Validate, when set, checks HELLO and COMMANDS against the wire
	// schemas. Invalid COMMANDS are dropped.
	Validate *protocol.Validator
	// OutQueue bounds the messages waiting for the writer.
	OutQueue int

	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
}

func NewServer(s Session, logger *zap.SugaredLogger) *Server {
	return &Server{
		session:  s,
		OutQueue: 64,
		log:      logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
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

		player, out := s.handshake(conn)
		if player == 0 {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
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
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeCommands {
				continue
			}
			if s.Validate != nil {
				if err := s.Validate.Validate(msg); err != nil {
					s.log.Debugw("invalid COMMANDS", "player", player, "err", err)
					continue
				}
			}
			var m protocol.CommandsMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			if m.ProtocolVersion != protocol.Version {
				continue
			}
			select {
			case s.session.Inbox() <- server.CommandsEnvelope{Player: player, Msg: m}:
			case <-ctx.Done():
			}
		}

		// Cleanup.
		s.session.Leave() <- server.LeaveRequest{Player: player, Out: out}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (player command.PlayerID, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return 0, nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return 0, nil
	}
	if s.Validate != nil {
		if err := s.Validate.Validate(msg); err != nil {
			_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
			return 0, nil
		}
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, "bad HELLO"))
		return 0, nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoVersion, "want "+protocol.Version))
		return 0, nil
	}

	out = make(chan []byte, s.OutQueue)

	// Resume an existing seat (reconnect); an unknown token joins fresh.
	var resp server.JoinResponse
	if token := strings.TrimSpace(hello.ResumeToken); token != "" {
		respCh := make(chan server.JoinResponse, 1)
		s.session.Attach() <- server.AttachRequest{ResumeToken: token, Out: out, Resp: respCh}
		resp = <-respCh
		if resp.Err != nil {
			s.log.Infow("resume refused, joining fresh", "code", resp.Err.Code)
		}
	}
	if resp.Setup.PlayerID == 0 {
		respCh := make(chan server.JoinResponse, 1)
		s.session.Join() <- server.JoinRequest{Name: hello.PlayerName, Out: out, Resp: respCh}
		resp = <-respCh
	}
	if resp.Err != nil {
		_ = writeJSON(conn, *resp.Err)
		return 0, nil
	}

	if err := writeJSON(conn, resp.Setup); err != nil {
		s.session.Leave() <- server.LeaveRequest{Player: playerID(resp.Setup), Out: out}
		return 0, nil
	}
	return playerID(resp.Setup), out
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func playerID(m protocol.SetupMsg) command.PlayerID { return command.PlayerID(m.PlayerID) }
