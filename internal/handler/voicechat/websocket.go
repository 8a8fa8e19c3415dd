package voicechat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/medivoice/backend/internal/handler/apierror"
	"github.com/zhouzirui/medivoice/backend/internal/logger"
	"github.com/zhouzirui/medivoice/backend/internal/middleware"
	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
	consultsvc "github.com/zhouzirui/medivoice/backend/internal/service/consultation"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second

	// 读循环与轮次 worker 之间的缓冲深度
	inboxSize = 16
)

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// AudioMessage 音频分片，isFinal 时合并缓冲区发起一次语音轮次
type AudioMessage struct {
	AudioData []byte `json:"audioData"`
	Format    string `json:"format"`
	IsFinal   bool   `json:"isFinal"`
}

// TextMessage 文本轮次
type TextMessage struct {
	Text string `json:"text"`
}

// ConfigMessage 配置消息
type ConfigMessage struct {
	SessionID     string         `json:"sessionId"`
	Language      string         `json:"language"`
	DoctorProfile *DoctorPayload `json:"doctorProfile"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type connectionState struct {
	ownerID     string
	sessionID   string
	doctor      consultation.DoctorProfile
	language    string
	audioFormat string
	buffer      bytes.Buffer
}

// wsConn 串行化写操作，gorilla 连接不支持并发写。
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	log  zerolog.Logger
}

func (c *wsConn) writeJSON(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.Warn().Err(err).Msg("websocket write failed")
	}
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		apierror.Write(w, consultsvc.ErrUnauthorized)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log := logger.Component("websocket")
		log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer raw.Close()

	conn := &wsConn{conn: raw, log: logger.Component("websocket").With().Str("owner", owner).Logger()}
	state := &connectionState{
		ownerID:   owner,
		sessionID: r.URL.Query().Get("sessionId"),
		language:  r.URL.Query().Get("language"),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	raw.SetReadLimit(2 * maxAudioBytes)
	_ = raw.SetReadDeadline(time.Now().Add(h.pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	go h.pingLoop(ctx, conn)

	conn.writeJSON(outgoingMessage{
		Type:      "connected",
		SessionID: state.sessionID,
		Timestamp: time.Now().Unix(),
	})

	// 轮次在独立 worker 中串行执行，读循环持续处理 pong，长轮次不会触发读超时。
	inbox := make(chan *inboundMessage, inboxSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range inbox {
			h.handleMessage(ctx, conn, state, msg)
		}
	}()
	defer func() {
		close(inbox)
		cancel()
		<-done
	}()

	for {
		msg := &inboundMessage{}
		if err := raw.ReadJSON(msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(h.pongWait))

		select {
		case inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, conn *wsConn, state *connectionState, msg *inboundMessage) {
	switch msg.Type {
	case "config":
		h.handleConfigMessage(conn, state, msg.Data)
	case "text":
		h.handleTextMessage(ctx, conn, state, msg.Data)
	case "audio":
		h.handleAudioMessage(ctx, conn, state, msg.Data)
	default:
		sendError(conn, "unsupported message type: "+msg.Type)
	}
}

func (h *Handler) handleConfigMessage(conn *wsConn, state *connectionState, raw json.RawMessage) {
	var cfg ConfigMessage
	if err := json.Unmarshal(raw, &cfg); err != nil {
		sendError(conn, "invalid config payload")
		return
	}
	applyConfig(state, cfg)

	conn.writeJSON(outgoingMessage{
		Type:      "config",
		SessionID: state.sessionID,
		Data: map[string]any{
			"language": state.language,
			"doctor":   state.doctor.Name,
		},
		Timestamp: time.Now().Unix(),
	})
}

func applyConfig(state *connectionState, cfg ConfigMessage) {
	if cfg.SessionID != "" {
		state.sessionID = cfg.SessionID
	}
	if cfg.Language != "" {
		state.language = cfg.Language
	}
	if cfg.DoctorProfile != nil {
		state.doctor = cfg.DoctorProfile.profile()
	}
}

func (h *Handler) handleTextMessage(ctx context.Context, conn *wsConn, state *connectionState, raw json.RawMessage) {
	var text TextMessage
	if err := json.Unmarshal(raw, &text); err != nil {
		sendError(conn, "invalid text payload")
		return
	}
	h.runTurn(ctx, conn, state, consultsvc.TurnRequest{Message: text.Text})
}

func (h *Handler) handleAudioMessage(ctx context.Context, conn *wsConn, state *connectionState, raw json.RawMessage) {
	var audio AudioMessage
	if err := json.Unmarshal(raw, &audio); err != nil {
		sendError(conn, "invalid audio payload")
		return
	}

	if state.buffer.Len()+len(audio.AudioData) > maxAudioBytes {
		state.buffer.Reset()
		sendError(conn, "audio too large")
		return
	}
	state.buffer.Write(audio.AudioData)
	if audio.Format != "" {
		state.audioFormat = audio.Format
	}
	if !audio.IsFinal {
		return
	}

	payload := append([]byte(nil), state.buffer.Bytes()...)
	state.buffer.Reset()
	if len(payload) == 0 {
		sendError(conn, "no audio received")
		return
	}

	format := state.audioFormat
	if format == "" {
		format = "webm"
	}
	h.runTurn(ctx, conn, state, consultsvc.TurnRequest{Audio: payload, AudioFilename: "audio." + format})
}

func (h *Handler) runTurn(ctx context.Context, conn *wsConn, state *connectionState, req consultsvc.TurnRequest) {
	req.OwnerID = state.ownerID
	req.SessionID = state.sessionID
	req.Doctor = state.doctor
	req.Language = state.language

	result, err := h.turns.Turn(ctx, req)
	if err != nil {
		_, message := apierror.Status(err)
		conn.log.Warn().Err(err).Str("session_id", state.sessionID).Msg("websocket turn failed")
		sendError(conn, message)
		return
	}

	// 新建的会话 id 用于同一连接上的后续轮次。
	state.sessionID = result.SessionID
	conn.writeJSON(outgoingMessage{
		Type:      "result",
		SessionID: result.SessionID,
		Data:      toTurnData(result),
		Timestamp: time.Now().Unix(),
	})
}

func sendError(conn *wsConn, message string) {
	conn.writeJSON(outgoingMessage{
		Type:      "error",
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
