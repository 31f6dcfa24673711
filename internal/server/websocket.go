package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/MarcoPoloResearchLab/coedit/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Realtime frame names exchanged over the websocket channel.
const (
	frameJoinDocument  = "join-document"
	frameLeaveDocument = "leave-document"
	frameCodeChange    = "code-change"
	frameSendMessage   = "send-message"
	frameDocumentState = "document-state"
	frameError         = "error"
)

const (
	errorCodeRateLimited    = "rate_limited"
	errorCodeMalformed      = "realtime.malformed_frame"
	errorCodeUnknownEvent   = "realtime.unknown_event"
	errorCodeNotJoined      = "realtime.not_joined"
	errorCodeReadOnly       = "realtime.read_only"
	errorCodeInvalidEvent   = "realtime.invalid_event"
	errorCodeJoinFailed     = "realtime.join_failed"
	errorCodeAnonymousChat  = "realtime.authentication_required"
	errorCodeAccessRevoked  = "realtime.access_revoked"
	maxFrameBytes           = 4 << 20
	writeTimeout            = 10 * time.Second
	directQueueSize         = 16
	defaultRealtimeRate     = 20.0
	defaultRealtimeBurst    = 40
	defaultRealtimePingTick = 30 * time.Second
)

// RealtimeSettings tunes per-connection behaviour.
type RealtimeSettings struct {
	EventsPerSecond float64
	EventBurst      int
	PingInterval    time.Duration
}

func (s RealtimeSettings) withDefaults() RealtimeSettings {
	if s.EventsPerSecond <= 0 {
		s.EventsPerSecond = defaultRealtimeRate
	}
	if s.EventBurst <= 0 {
		s.EventBurst = defaultRealtimeBurst
	}
	if s.PingInterval <= 0 {
		s.PingInterval = defaultRealtimePingTick
	}
	return s
}

type websocketUpgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || containsWildcard(allowedOrigins)
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type documentStatePayload struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Language   string `json:"language"`
	Revision   int64  `json:"revision"`
	CanWrite   bool   `json:"canWrite"`
}

type documentRefPayload struct {
	DocumentID string `json:"documentId"`
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	userID, err := h.authenticateWebsocket(c.Request)
	if err != nil && !errors.Is(err, errAnonymousConnection) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	session, err := h.registry.Register(uuid.NewString(), userID)
	if err != nil {
		h.logger.Error("realtime session registration failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	client := &realtimeClient{
		handler: h,
		conn:    conn,
		session: session,
		limiter: rate.NewLimiter(rate.Limit(h.realtime.EventsPerSecond), h.realtime.EventBurst),
		direct:  make(chan outboundFrame, directQueueSize),
		done:    make(chan struct{}),
		access:  make(map[string]documents.Access),
		logger:  h.logger.With(zap.String("session_id", session.ID()), zap.String("user_id", userID)),
	}
	h.clients.Store(session.ID(), client)
	client.logger.Debug("realtime session connected")
	client.run(c.Request.Context())
}

// realtimeClient owns one websocket. The reader runs on the request goroutine, the writer on its own; both
// funnel into close, which runs once.
type realtimeClient struct {
	handler   *httpHandler
	conn      *websocket.Conn
	session   *realtime.Session
	limiter   *rate.Limiter
	direct    chan outboundFrame
	done      chan struct{}
	closeOnce sync.Once
	joining   sync.Mutex
	access    map[string]documents.Access
	logger    *zap.Logger
}

func (rc *realtimeClient) run(ctx context.Context) {
	go rc.writeLoop()
	rc.readLoop(context.WithoutCancel(ctx))
	rc.close()
}

func (rc *realtimeClient) close() {
	rc.closeOnce.Do(func() {
		rc.handler.registry.Disconnect(rc.session.ID())
		rc.handler.clients.Delete(rc.session.ID())
		close(rc.done)
		_ = rc.conn.Close()
		rc.logger.Debug("realtime session closed")
	})
}

func (rc *realtimeClient) readLoop(ctx context.Context) {
	pongWait := 2 * rc.handler.realtime.PingInterval
	rc.conn.SetReadLimit(maxFrameBytes)
	_ = rc.conn.SetReadDeadline(time.Now().Add(pongWait))
	rc.conn.SetPongHandler(func(string) error {
		return rc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := rc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rc.logger.Info("realtime connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		_ = rc.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !rc.limiter.Allow() {
			rc.handler.frameLimits.RecordRateLimited()
			rc.sendError(errorCodeRateLimited, "too many frames")
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			rc.sendError(errorCodeMalformed, "frame is not valid JSON")
			continue
		}
		rc.dispatch(ctx, frame)
	}
}

func (rc *realtimeClient) writeLoop() {
	ticker := time.NewTicker(rc.handler.realtime.PingInterval)
	defer ticker.Stop()
	defer rc.close()

	outbound := rc.session.Outbound()
	for {
		select {
		case event, ok := <-outbound:
			if !ok {
				_ = rc.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			}
			// Room events only arrive once Join ran under joining, so waiting on it guarantees that join's
			// document-state is already queued and goes out first.
			rc.joining.Lock()
			rc.joining.Unlock() //nolint:staticcheck
			if err := rc.flushDirect(); err != nil {
				return
			}
			if err := rc.write(outboundFrame{Event: event.Kind, Data: event.Payload()}); err != nil {
				return
			}
		case frame := <-rc.direct:
			if err := rc.write(frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := rc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-rc.done:
			return
		}
	}
}

func (rc *realtimeClient) flushDirect() error {
	for {
		select {
		case frame := <-rc.direct:
			if err := rc.write(frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (rc *realtimeClient) write(frame outboundFrame) error {
	_ = rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := rc.conn.WriteJSON(frame); err != nil {
		rc.logger.Info("realtime write failed", zap.String("event", frame.Event), zap.Error(err))
		return err
	}
	return nil
}

// sendDirect queues a frame for this connection only. A full queue drops the frame.
func (rc *realtimeClient) sendDirect(frame outboundFrame) {
	select {
	case rc.direct <- frame:
	case <-rc.done:
	default:
		rc.logger.Warn("realtime direct frame dropped", zap.String("event", frame.Event))
	}
}

func (rc *realtimeClient) sendError(code string, message string) {
	rc.sendDirect(outboundFrame{Event: frameError, Data: errorPayload{Code: code, Message: message}})
}

func (rc *realtimeClient) dispatch(ctx context.Context, frame inboundFrame) {
	switch frame.Event {
	case frameJoinDocument:
		rc.handleJoin(ctx, frame.Data)
	case frameLeaveDocument:
		rc.handleLeave(frame.Data)
	case frameCodeChange:
		rc.handleCodeChange(ctx, frame.Data)
	case frameSendMessage:
		rc.handleSendMessage(ctx, frame.Data)
	default:
		rc.sendError(errorCodeUnknownEvent, frame.Event)
	}
}

func (rc *realtimeClient) handleJoin(ctx context.Context, data json.RawMessage) {
	documentID, err := parseDocumentRef(data)
	if err != nil {
		rc.sendError(errorCodeMalformed, err.Error())
		return
	}
	document, access, err := rc.handler.store.Open(ctx, documentID, documents.UserID(rc.session.UserID()))
	if err != nil {
		code := documents.ErrorCode(err)
		if code == "" {
			code = errorCodeJoinFailed
		}
		rc.sendError(code, documentID.String())
		return
	}
	rc.joining.Lock()
	defer rc.joining.Unlock()
	if err := rc.handler.registry.Join(rc.session.ID(), documentID.String()); err != nil {
		rc.sendError(errorCodeJoinFailed, documentID.String())
		return
	}
	rc.access[documentID.String()] = access
	rc.sendDirect(outboundFrame{Event: frameDocumentState, Data: documentStatePayload{
		DocumentID: document.ID.String(),
		Title:      document.Title,
		Content:    document.Content,
		Language:   document.Language,
		Revision:   document.Revision,
		CanWrite:   access.Write,
	}})
}

func (rc *realtimeClient) handleLeave(data json.RawMessage) {
	documentID, err := parseDocumentRef(data)
	if err != nil {
		rc.sendError(errorCodeMalformed, err.Error())
		return
	}
	rc.handler.registry.Leave(rc.session.ID(), documentID.String())
	delete(rc.access, documentID.String())
}

func (rc *realtimeClient) handleCodeChange(ctx context.Context, data json.RawMessage) {
	var payload realtime.EditPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rc.sendError(errorCodeMalformed, "code-change payload")
		return
	}
	access, ok := rc.joinedAccess(payload.DocumentID)
	if !ok {
		rc.sendError(errorCodeNotJoined, payload.DocumentID)
		return
	}
	if !access.Write {
		rc.sendError(errorCodeReadOnly, payload.DocumentID)
		return
	}
	event, err := realtime.NewEditEvent(payload.DocumentID, payload.Content)
	if err != nil {
		rc.sendError(errorCodeInvalidEvent, err.Error())
		return
	}
	if err := rc.handler.relay.Publish(ctx, event, rc.session.ID()); err != nil {
		rc.sendError(errorCodeInvalidEvent, err.Error())
	}
}

func (rc *realtimeClient) handleSendMessage(ctx context.Context, data json.RawMessage) {
	var payload realtime.ChatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rc.sendError(errorCodeMalformed, "send-message payload")
		return
	}
	if _, ok := rc.joinedAccess(payload.DocumentID); !ok {
		rc.sendError(errorCodeNotJoined, payload.DocumentID)
		return
	}
	sender := rc.session.UserID()
	if sender == "" {
		rc.sendError(errorCodeAnonymousChat, payload.DocumentID)
		return
	}
	payload.User = sender
	if payload.Timestamp.IsZero() {
		payload.Timestamp = rc.handler.clock()
	}
	event, err := realtime.NewChatEvent(payload.DocumentID, payload.User, payload.Text, payload.Timestamp)
	if err != nil {
		rc.sendError(errorCodeInvalidEvent, err.Error())
		return
	}
	if err := rc.handler.relay.Publish(ctx, event, ""); err != nil {
		rc.sendError(errorCodeInvalidEvent, err.Error())
	}
}

func (rc *realtimeClient) joinedAccess(documentID string) (documents.Access, bool) {
	access, ok := rc.access[documentID]
	if !ok || !rc.session.IsMember(documentID) {
		return documents.Access{}, false
	}
	return access, true
}

// evictMembers removes every session in the document's room whose user fails stillAllowed and tells its
// client. A nil stillAllowed evicts everyone. Only sessions held by this instance are affected.
func (h *httpHandler) evictMembers(documentID string, stillAllowed func(userID documents.UserID) bool) {
	for _, sessionID := range h.registry.Members(documentID) {
		session, ok := h.registry.Lookup(sessionID)
		if !ok {
			continue
		}
		if stillAllowed != nil && stillAllowed(documents.UserID(session.UserID())) {
			continue
		}
		h.registry.Leave(sessionID, documentID)
		if value, ok := h.clients.Load(sessionID); ok {
			value.(*realtimeClient).sendError(errorCodeAccessRevoked, documentID)
		}
		h.logger.Info("realtime session evicted",
			zap.String("session_id", sessionID),
			zap.String("user_id", session.UserID()),
			zap.String("document_id", documentID))
	}
}

// parseDocumentRef accepts either a bare JSON string or {"documentId": "..."}.
func parseDocumentRef(data json.RawMessage) (documents.DocumentID, error) {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var ref documentRefPayload
		if err := json.Unmarshal(data, &ref); err != nil {
			return "", errors.New("document reference must be a string or an object with documentId")
		}
		raw = ref.DocumentID
	}
	return documents.NewDocumentID(raw)
}
