package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"qms/token-service/internal/hub"
	"qms/token-service/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/igm/sockjs-go/sockjs"
)

const (
	sendBufferSize = 32
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 4096
)

// SockJSHandler serves viewers at prefix, e.g. "/realtime".
func (s *Service) SockJSHandler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, sendBufferSize)}
		s.hub.Register(client)
		defer s.hub.Unregister(client)
		defer s.Detach(client)

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		s.serve(client, func() ([]byte, error) {
			msg, err := session.Recv()
			return []byte(msg), err
		})
	})
}

// WebSocketHandler serves viewers over a plain WebSocket. An empty origin
// list accepts any origin.
func (s *Service) WebSocketHandler(allowedOrigins []string) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, sendBufferSize)}
		s.hub.Register(client)

		go writePump(conn, client.Send)

		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		s.serve(client, func() ([]byte, error) {
			_, msg, err := conn.ReadMessage()
			if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("websocket read error")
			}
			return msg, err
		})
		s.Detach(client)
		s.hub.Unregister(client)
	})
}

func writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serve reads subscribe and unsubscribe messages until recv fails.
// Anything else is ignored.
func (s *Service) serve(client *hub.Client, recv func() ([]byte, error)) {
	for {
		msg, err := recv()
		if err != nil {
			return
		}
		parsed, ok := hub.ParseSubscribe(msg)
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			s.Detach(client)
			continue
		}
		sub := hub.Subscription{QueueID: parsed.QueueID, TokenID: parsed.TokenID}
		if err := s.Attach(context.Background(), client, sub); err != nil {
			s.logger.Warn().Err(err).Str("client_id", client.ID).Str("queue_id", sub.QueueID).Msg("subscribe failed")
			s.send(client.ID, sub.QueueID, TypeError, map[string]string{"code": errorCode(err), "message": err.Error()})
		}
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrQueueNotFound):
		return "queue_not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "subscribe_failed"
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, candidate := range allowed {
			if candidate == "*" || strings.EqualFold(candidate, origin) {
				return true
			}
		}
		return false
	}
}
