package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/identity"
	"github.com/go-chatty/chatty-dm/internal/infrastructure/realtime"
	"github.com/go-chatty/chatty-dm/internal/logger"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/session"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ChatSocketController handles the websocket endpoint for realtime chat traffic.
// Each connection is attached to a session; reconnecting with session_id
// resumes it and replays what was missed while it was away.
type ChatSocketController struct {
	Sessions   *session.Manager
	Send       *usecase.SendMessageUseCase
	SendBuffer int
	Log        *zap.Logger

	inflightTimeout time.Duration
}

func NewChatSocketController(sessions *session.Manager, send *usecase.SendMessageUseCase, sendBuffer int, log *zap.Logger) *ChatSocketController {
	return &ChatSocketController{
		Sessions:        sessions,
		Send:            send,
		SendBuffer:      sendBuffer,
		Log:             logger.OrNop(log),
		inflightTimeout: 5 * time.Second,
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Identity is enforced by the gateway in front of this service.
		return true
	},
}

type inboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	PeerID         string `json:"peer_id,omitempty"`
	After          *int64 `json:"after,omitempty"`
	Content        string `json:"content,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type ackFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

type messageFrame struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

type statusFrame struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversation_id"`
	State          session.State `json:"state"`
	Cursor         int64         `json:"cursor"`
	Error          string        `json:"error,omitempty"`
}

const (
	defaultReadTimeout = 60 * time.Second
	maxFrameSize       = 1 << 20
)

// Handle upgrades HTTP connections to websocket and processes frames until the client disconnects.
func (ctl *ChatSocketController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := identity.UserID(c)

		ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the response.
			ctl.Log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		conn := realtime.NewConnection("", userID, ws, ctl.SendBuffer)
		conn.Start()

		s, attachment, err := ctl.attach(conn, c.Query("session_id"))
		if err != nil {
			ctl.replyError(conn, err)
			conn.Close(websocket.CloseTryAgainLater, "session unavailable")
			return
		}
		conn.SessionID = s.ID()
		defer func() {
			ctl.Sessions.Detach(s, attachment)
			conn.Close(websocket.CloseNormalClosure, "session closed")
		}()

		ws.SetReadLimit(maxFrameSize)
		_ = ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		})

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
					!errors.Is(err, websocket.ErrCloseSent) {
					ctl.Log.Debug("websocket read ended",
						zap.String("session_id", s.ID()),
						zap.Error(err))
				}
				return
			}

			var frame inboundFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				ctl.reply(conn, errorFrame{Type: "error", Code: "bad_request", Error: "invalid payload"})
				continue
			}

			switch frame.Type {
			case "open":
				ctl.handleOpen(c, conn, s, frame)
			case "subscribe":
				ctl.handleSubscribe(c, conn, s, frame)
			case "close":
				ctl.handleClose(conn, s, frame)
			case "message":
				ctl.handleMessage(c, conn, s, frame)
			case "end":
				ctl.Sessions.Close(s.ID())
				ctl.reply(conn, ackFrame{Type: "ended", SessionID: s.ID()})
				return
			default:
				ctl.reply(conn, errorFrame{Type: "error", Code: "unsupported_type", Error: "unknown frame type"})
			}
		}
	}
}

// attach resumes sessionID when given and owned by the caller, and otherwise
// opens a new session. The connected frame always precedes replayed messages.
func (ctl *ChatSocketController) attach(conn *realtime.Connection, sessionID string) (*session.Session, uint64, error) {
	h := ctl.handlers(conn)
	if sessionID != "" {
		ctl.reply(conn, ackFrame{Type: "connected", SessionID: sessionID})
		s, attachment, err := ctl.Sessions.Resume(sessionID, conn.UserID, h)
		if err == nil {
			return s, attachment, nil
		}
		ctl.replyError(conn, err)
	}

	s, attachment, err := ctl.Sessions.Open(conn.UserID, h)
	if err != nil {
		return nil, 0, err
	}
	ctl.reply(conn, ackFrame{Type: "connected", SessionID: s.ID()})
	return s, attachment, nil
}

func (ctl *ChatSocketController) handlers(conn *realtime.Connection) session.Handlers {
	return session.Handlers{
		Message: func(msg chat.Message) error {
			return conn.SendJSON(messageFrame{Type: "message", Message: msg})
		},
		Status: func(st session.Status) {
			ctl.reply(conn, toStatusFrame("status", st))
		},
		Replaced: func() {
			conn.Close(realtime.CloseSessionReplaced, "session resumed on another connection")
		},
	}
}

func (ctl *ChatSocketController) handleOpen(c *gin.Context, conn *realtime.Connection, s *session.Session, frame inboundFrame) {
	if frame.PeerID == "" {
		ctl.reply(conn, errorFrame{Type: "error", Code: "bad_request", Error: "peer_id is required"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
	defer cancel()

	st, err := s.OpenConversation(ctx, frame.PeerID)
	if err != nil {
		ctl.replyError(conn, err)
		return
	}
	ctl.reply(conn, toStatusFrame("opened", st))
}

func (ctl *ChatSocketController) handleSubscribe(c *gin.Context, conn *realtime.Connection, s *session.Session, frame inboundFrame) {
	if frame.ConversationID == "" {
		ctl.reply(conn, errorFrame{Type: "error", Code: "bad_request", Error: "conversation_id is required"})
		return
	}
	after := int64(-1)
	if frame.After != nil {
		after = *frame.After
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
	defer cancel()

	st, err := s.Subscribe(ctx, frame.ConversationID, after)
	if err != nil {
		ctl.replyError(conn, err)
		return
	}
	ctl.reply(conn, toStatusFrame("opened", st))
}

func (ctl *ChatSocketController) handleClose(conn *realtime.Connection, s *session.Session, frame inboundFrame) {
	if err := s.CloseConversation(frame.ConversationID); err != nil {
		ctl.replyError(conn, err)
		return
	}
	ctl.reply(conn, ackFrame{Type: "closed", ConversationID: frame.ConversationID})
}

func (ctl *ChatSocketController) handleMessage(c *gin.Context, conn *realtime.Connection, s *session.Session, frame inboundFrame) {
	if frame.ConversationID == "" {
		ctl.reply(conn, errorFrame{Type: "error", Code: "bad_request", Error: "conversation_id is required"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
	defer cancel()

	msg, err := ctl.Send.Execute(ctx, usecase.SendMessageInput{
		ConversationID: frame.ConversationID,
		SenderID:       s.UserID(),
		Content:        frame.Content,
	})
	if err != nil {
		ctl.replyError(conn, err)
		return
	}
	ctl.reply(conn, messageFrame{Type: "sent", Message: msg})
}

func (ctl *ChatSocketController) replyError(conn *realtime.Connection, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		ctl.Log.Warn("websocket request failed",
			zap.String("session_id", conn.SessionID),
			zap.Error(err))
		msg = "service temporarily unavailable"
	}
	ctl.reply(conn, errorFrame{Type: "error", Code: code, Error: msg})
}

func (ctl *ChatSocketController) reply(conn *realtime.Connection, frame any) {
	_ = conn.SendJSON(frame)
}

func toStatusFrame(kind string, st session.Status) statusFrame {
	f := statusFrame{
		Type:           kind,
		ConversationID: st.ConversationID,
		State:          st.State,
		Cursor:         st.Cursor,
	}
	if st.Err != nil {
		f.Error = st.Err.Error()
	}
	return f
}
