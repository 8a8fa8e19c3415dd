// Package report serves the consultation report endpoint.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/medivoice/backend/internal/handler/apierror"
	"github.com/zhouzirui/medivoice/backend/internal/middleware"
	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
	consultsvc "github.com/zhouzirui/medivoice/backend/internal/service/consultation"
	"github.com/zhouzirui/medivoice/backend/pkg/utils"
)

// Compiler closes a session with a compiled report.
type Compiler interface {
	CloseAndReport(ctx context.Context, req consultsvc.ReportRequest) (consultation.Session, error)
}

// Handler 报告生成的HTTP处理器
type Handler struct {
	compiler Compiler
}

// New 创建报告处理器
func New(compiler Compiler) *Handler {
	return &Handler{compiler: compiler}
}

// RegisterRoutes 注册报告路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/report", h.handleCompile)
}

type compileRequest struct {
	SessionID     string                     `json:"sessionId"`
	SessionParams consultation.SessionParams `json:"sessionParams"`
	Messages      []consultation.Message     `json:"messages"`
}

type compileResponse struct {
	Success   bool                `json:"success"`
	SessionID string              `json:"sessionId"`
	Status    consultation.Status `json:"status"`
	Report    *consultation.Report `json:"report"`
}

func (h *Handler) handleCompile(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		apierror.Write(w, consultsvc.ErrUnauthorized)
		return
	}

	var req compileRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
		apierror.Write(w, fmt.Errorf("%w: invalid JSON body", consultsvc.ErrInvalidInput))
		return
	}

	session, err := h.compiler.CloseAndReport(r.Context(), consultsvc.ReportRequest{
		OwnerID:   owner,
		SessionID: req.SessionID,
		Params:    req.SessionParams,
		Messages:  req.Messages,
	})
	if err != nil {
		apierror.Write(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, compileResponse{
		Success:   true,
		SessionID: session.ID,
		Status:    session.Status,
		Report:    session.Report,
	})
}
