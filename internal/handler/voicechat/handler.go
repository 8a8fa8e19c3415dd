// Package voicechat serves the consultation turn endpoints.
package voicechat

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/medivoice/backend/internal/handler/apierror"
	"github.com/zhouzirui/medivoice/backend/internal/middleware"
	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
	consultsvc "github.com/zhouzirui/medivoice/backend/internal/service/consultation"
	"github.com/zhouzirui/medivoice/backend/pkg/utils"
)

// TurnService 抽象编排器，便于测试与替换实现
type TurnService interface {
	Turn(ctx context.Context, req consultsvc.TurnRequest) (consultsvc.TurnResult, error)
	Session(ctx context.Context, ownerID, sessionID string) (consultation.Session, error)
	History(ctx context.Context, ownerID string) ([]consultation.Session, error)
}

// TurnData is the data object of a successful turn response.
type TurnData struct {
	UserText          string                       `json:"userText"`
	DoctorResponse    string                       `json:"doctorResponse"`
	Language          string                       `json:"language"`
	NatlasEnhanced    bool                         `json:"natlasEnhanced"`
	AudioBase64       string                       `json:"audioBase64,omitempty"`
	AudioFormat       string                       `json:"audioFormat,omitempty"`
	IsNewConsultation bool                         `json:"isNewConsultation"`
	Metadata          *consultation.EnrichmentData `json:"metadata"`
}

// TurnResponse is the envelope of POST /voice-chat.
type TurnResponse struct {
	Success   bool     `json:"success"`
	SessionID string   `json:"sessionId"`
	Data      TurnData `json:"data"`
}

type sessionResponse struct {
	Success bool                 `json:"success"`
	Data    consultation.Session `json:"data"`
}

type historyResponse struct {
	Success bool                   `json:"success"`
	Data    []consultation.Session `json:"data"`
}

// Handler 语音问诊的HTTP处理器
type Handler struct {
	turns    TurnService
	upgrader websocket.Upgrader

	pongWait     time.Duration
	pingInterval time.Duration
}

// New 创建处理器
func New(turns TurnService) *Handler {
	return &Handler{
		turns: turns,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		pongWait:     pongWait,
		pingInterval: pingInterval,
	}
}

// RegisterRoutes 注册路由，调用方负责在外层挂载鉴权中间件。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/voice-chat", h.handleTurn)
	r.Get("/voice-chat", h.handleRead)
	r.Get("/voice-chat/ws", h.handleWebSocket)
}

func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		apierror.Write(w, consultsvc.ErrUnauthorized)
		return
	}

	req, err := decodeTurnRequest(w, r, owner)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	result, err := h.turns.Turn(r.Context(), req)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, TurnResponse{
		Success:   true,
		SessionID: result.SessionID,
		Data:      toTurnData(result),
	})
}

// handleRead 支持 ?sessionId= 读取单个会话，?history=true 列出全部会话。
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		apierror.Write(w, consultsvc.ErrUnauthorized)
		return
	}

	query := r.URL.Query()
	if sessionID := strings.TrimSpace(query.Get("sessionId")); sessionID != "" {
		session, err := h.turns.Session(r.Context(), owner, sessionID)
		if err != nil {
			apierror.Write(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, sessionResponse{Success: true, Data: session})
		return
	}

	if strings.EqualFold(query.Get("history"), "true") {
		sessions, err := h.turns.History(r.Context(), owner)
		if err != nil {
			apierror.Write(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, historyResponse{Success: true, Data: sessions})
		return
	}

	apierror.Write(w, fmt.Errorf("%w: sessionId or history=true is required", consultsvc.ErrInvalidInput))
}

func toTurnData(result consultsvc.TurnResult) TurnData {
	data := TurnData{
		UserText:          result.UserText,
		DoctorResponse:    result.DoctorResponse,
		Language:          result.Language,
		NatlasEnhanced:    result.Enhanced,
		IsNewConsultation: result.IsNewConsultation,
		Metadata:          result.Metadata,
	}
	if len(result.Audio) > 0 {
		data.AudioBase64 = base64.StdEncoding.EncodeToString(result.Audio)
		data.AudioFormat = result.AudioFormat
	}
	return data
}
