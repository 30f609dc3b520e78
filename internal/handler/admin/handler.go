package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/model/params"
	"github.com/zhouzirui/tavern-relay/internal/service/relay"
	"github.com/zhouzirui/tavern-relay/internal/service/session"
	"github.com/zhouzirui/tavern-relay/pkg/logging"
	"github.com/zhouzirui/tavern-relay/pkg/utils"
)

// Handler 中继服务的管理接口
type Handler struct {
	worker   *relay.Worker
	settings *config.Manager
	table    *session.Table
	logs     *logging.Buffer
}

// New 创建管理处理器
func New(worker *relay.Worker, settings *config.Manager, table *session.Table, logs *logging.Buffer) *Handler {
	return &Handler{
		worker:   worker,
		settings: settings,
		table:    table,
		logs:     logs,
	}
}

// RegisterRoutes 注册管理相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Post("/start", h.handleStart)
	r.Post("/stop", h.handleStop)
	r.Get("/settings", h.handleGetSettings)
	r.Put("/settings", h.handlePutSettings)
	r.Get("/sessions", h.handleSessions)
	r.Get("/logs", h.handleLogs)
}

// handleStatus 返回中继的运行状态
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	settings := h.settings.Snapshot()
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"running":          h.worker.Running(),
		"mode":             settings.Mode,
		"character":        settings.Character,
		"starting_channel": settings.StartingChannel,
		"active_channels":  h.table.Channels(),
	})
}

// handleStart 连入聊天平台
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.worker.Start(r.Context()); err != nil {
		if err == relay.ErrAlreadyRunning {
			utils.RespondError(w, http.StatusConflict, err.Error())
			return
		}
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// handleStop 告别并断开连接
func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.worker.Stop(r.Context()); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleGetSettings 返回当前配置
func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.settings.Snapshot())
}

// settingsPatch lists the fields the console may change. Pointer fields
// distinguish "absent" from "set to zero value".
type settingsPatch struct {
	Mode                *string            `json:"mode"`
	Character           *string            `json:"character"`
	InstructionTemplate *string            `json:"instruction_template"`
	StartingChannel     *string            `json:"starting_channel"`
	ChannelWhitelist    *[]string          `json:"channel_whitelist"`
	ChannelBlacklist    *[]string          `json:"channel_blacklist"`
	Params              map[string]float64 `json:"params"`
}

// handlePutSettings 更新配置并落盘
func (h *Handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if patch.Mode != nil && *patch.Mode != "chat" && *patch.Mode != "instruct" {
		utils.RespondError(w, http.StatusBadRequest, "mode must be chat or instruct")
		return
	}

	var paramErr error
	h.settings.Update(func(s *config.Settings) {
		if patch.Mode != nil {
			s.Mode = *patch.Mode
		}
		if patch.Character != nil {
			s.Character = *patch.Character
		}
		if patch.InstructionTemplate != nil {
			s.InstructionTemplate = *patch.InstructionTemplate
		}
		if patch.StartingChannel != nil {
			s.StartingChannel = *patch.StartingChannel
		}
		if patch.ChannelWhitelist != nil {
			s.ChannelWhitelist = *patch.ChannelWhitelist
		}
		if patch.ChannelBlacklist != nil {
			s.ChannelBlacklist = *patch.ChannelBlacklist
		}
		for key, value := range patch.Params {
			if err := s.Params.Set(params.Key(key), value); err != nil {
				paramErr = err
			}
		}
	})
	if paramErr != nil {
		utils.RespondError(w, http.StatusBadRequest, paramErr.Error())
		return
	}

	if err := h.settings.Save(); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.settings.Snapshot())
}

// handleSessions 列出所有活跃会话
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	type sessionView struct {
		ID        string `json:"id"`
		Channel   string `json:"channel"`
		ChannelID string `json:"channel_id"`
		Turns     int    `json:"turns"`
	}

	sessions := h.table.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:        s.ID,
			Channel:   s.Channel,
			ChannelID: s.ChannelID,
			Turns:     len(s.History.Internal),
		})
	}
	utils.RespondJSON(w, http.StatusOK, views)
}

// handleLogs 返回最近的日志行
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{"lines": h.logs.Lines()})
}
