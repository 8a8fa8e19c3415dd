package doctor

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/medivoice/backend/internal/model/doctor"
	"github.com/zhouzirui/medivoice/backend/pkg/utils"
)

// Handler 医生目录的HTTP处理器
type Handler struct {
	doctors doctor.Store
}

// New 创建医生目录处理器
func New(doctors doctor.Store) *Handler {
	return &Handler{
		doctors: doctors,
	}
}

type listResponse struct {
	Success bool            `json:"success"`
	Data    []doctor.Doctor `json:"data"`
}

type getResponse struct {
	Success bool          `json:"success"`
	Data    doctor.Doctor `json:"data"`
}

// RegisterRoutes 注册医生目录相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/doctors", h.handleListDoctors)
	r.Get("/doctors/{doctorID}", h.handleGetDoctor)
}

// handleListDoctors 列出所有医生
func (h *Handler) handleListDoctors(w http.ResponseWriter, r *http.Request) {
	doctors := h.doctors.List()
	if doctors == nil {
		doctors = []doctor.Doctor{}
	}
	utils.RespondJSON(w, http.StatusOK, listResponse{Success: true, Data: doctors})
}

func (h *Handler) handleGetDoctor(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.doctors.FindByID(chi.URLParam(r, "doctorID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "Doctor not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, getResponse{Success: true, Data: entry})
}
