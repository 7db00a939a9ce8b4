package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/push"
)

// handleHealth reports process and store liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			s.logger.Error("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathID parses a numeric path parameter, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// handleCampaignPause moves a RUNNING campaign to PAUSED. The channel budget
// reservation is kept; the scheduler simply stops selecting contacts.
func (s *Server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	campaign, err := s.deps.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading campaign failed", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}
	if campaign == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}

	changed, err := s.deps.Campaigns.TransitionStatus(r.Context(), id,
		models.CampaignPaused, models.CampaignRunning)
	if err != nil {
		s.logger.Error("pausing campaign failed", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to pause campaign")
		return
	}
	if !changed {
		writeError(w, http.StatusConflict, "campaign is not running")
		return
	}

	s.logger.Info("campaign paused", "campaign_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.CampaignPaused})
}

// handleCampaignResume moves a PAUSED campaign back to RUNNING and pokes the
// scheduler so dialing restarts without waiting for the next tick.
func (s *Server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	campaign, err := s.deps.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading campaign failed", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}
	if campaign == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}

	changed, err := s.deps.Campaigns.TransitionStatus(r.Context(), id,
		models.CampaignRunning, models.CampaignPaused)
	if err != nil {
		s.logger.Error("resuming campaign failed", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resume campaign")
		return
	}
	if !changed {
		writeError(w, http.StatusConflict, "campaign is not paused")
		return
	}

	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Poke(id)
	}
	s.logger.Info("campaign resumed", "campaign_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.CampaignRunning})
}

// handleCampaignCancel terminates a campaign from any live status. The
// conditional transition guarantees the budget release happens exactly once,
// mirroring how the scheduler completes a campaign.
func (s *Server) handleCampaignCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	campaign, err := s.deps.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("loading campaign failed", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}
	if campaign == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}

	changed, err := s.deps.Campaigns.TransitionStatus(r.Context(), id,
		models.CampaignCancelled,
		models.CampaignScheduled, models.CampaignRunning, models.CampaignPaused)
	if err != nil {
		s.logger.Error("cancelling campaign failed", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel campaign")
		return
	}
	if !changed {
		writeError(w, http.StatusConflict, "campaign is already finished")
		return
	}

	if err := s.deps.Budget.Release(r.Context(), campaign.UserID, campaign.ConcurrentCalls); err != nil {
		s.logger.Error("releasing campaign budget failed",
			"campaign_id", id,
			"user_id", campaign.UserID,
			"error", err,
		)
	}

	s.logger.Info("campaign cancelled", "campaign_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.CampaignCancelled})
}

// handleMenuGet returns the campaign's post-call menu.
func (s *Server) handleMenuGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	menu, err := s.deps.Menus.GetByCampaign(r.Context(), id)
	if err != nil {
		s.logger.Error("loading menu failed", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load menu")
		return
	}
	if menu == nil {
		writeError(w, http.StatusNotFound, "menu not found")
		return
	}
	writeJSON(w, http.StatusOK, menu)
}

type menuRequest struct {
	Active              bool   `json:"active"`
	Greeting            string `json:"greeting"`
	QueueMessage        string `json:"queueMessage"`
	ConfirmationMessage string `json:"confirmationMessage"`
	ErrorMessage        string `json:"errorMessage"`
	Options             string `json:"options"`
}

// handleMenuSave upserts the campaign's post-call menu and invalidates the
// synthesized audio so edited prompts take effect on the next call.
func (s *Server) handleMenuSave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req menuRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	menu := &models.PostCallMenu{
		CampaignID:          id,
		Active:              req.Active,
		Greeting:            req.Greeting,
		QueueMessage:        req.QueueMessage,
		ConfirmationMessage: req.ConfirmationMessage,
		ErrorMessage:        req.ErrorMessage,
		Options:             req.Options,
	}
	if _, err := menu.ParseOptions(); err != nil {
		writeError(w, http.StatusBadRequest, "options is not a valid option list")
		return
	}

	if err := s.deps.Menus.Save(r.Context(), menu); err != nil {
		s.logger.Error("saving menu failed", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save menu")
		return
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Invalidate(id)
	}

	s.logger.Info("menu saved", "campaign_id", id, "active", req.Active)
	writeJSON(w, http.StatusOK, menu)
}

// handleAgentList returns the runtime state of every agent.
func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Dispatcher.Registry().Snapshot())
}

type breakRequest struct {
	Reason string `json:"reason"`
}

// handleAgentBreak puts an agent on break.
func (s *Server) handleAgentBreak(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req breakRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := s.deps.Dispatcher.SetBreak(r.Context(), id, req.Reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": id, "reason": req.Reason})
}

// handleAgentClearBreak returns an agent from break.
func (s *Server) handleAgentClearBreak(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.deps.Dispatcher.ClearBreak(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": id})
}

type forceStatusRequest struct {
	Status      string `json:"status"`
	BreakReason string `json:"breakReason"`
}

// handleAgentForceStatus is the supervisor override for an agent's status.
func (s *Server) handleAgentForceStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req forceStatusRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	switch req.Status {
	case "AVAILABLE", "ON_BREAK", "OFFLINE":
	default:
		writeError(w, http.StatusBadRequest, "status must be AVAILABLE, ON_BREAK or OFFLINE")
		return
	}

	if err := s.deps.Dispatcher.ForceStatus(r.Context(), id, req.Status, req.BreakReason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": id, "status": req.Status})
}

// handleQueueList returns the callers waiting for an agent, in order.
func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Dispatcher.QueueSnapshot())
}

// handleQueueRemove drops a waiting caller from the queue.
func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "contactId")
	if !ok {
		return
	}
	if !s.deps.Dispatcher.RemoveFromQueue(id) {
		writeError(w, http.StatusNotFound, "contact is not queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contactId": id})
}

type spyRequest struct {
	Extension string `json:"extension"`
}

// handleSpyCall bridges a supervisor's extension onto a live call.
func (s *Server) handleSpyCall(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "contactId")
	if !ok {
		return
	}

	var req spyRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Extension == "" {
		writeError(w, http.StatusBadRequest, "extension is required")
		return
	}

	if err := s.deps.Dispatcher.SpyCall(r.Context(), id, req.Extension); err != nil {
		s.logger.Error("spy call failed", "contact_id", id, "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contactId": id, "extension": req.Extension})
}

type socketTokenRequest struct {
	UserID int64  `json:"userId"`
	Role   string `json:"role"`
}

// handleSocketToken issues a dashboard socket token. The dashboard backend
// calls this after its own login flow and hands the token to the browser.
func (s *Server) handleSocketToken(w http.ResponseWriter, r *http.Request) {
	var req socketTokenRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.UserID < 1 {
		writeError(w, http.StatusBadRequest, "userId must be a positive integer")
		return
	}
	switch req.Role {
	case models.RoleAdmin, models.RoleSupervisor, models.RoleCallCenter, models.RoleUser:
	default:
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	token, expiresAt, err := push.GenerateToken(s.deps.JWTSecret, req.UserID, req.Role)
	if err != nil {
		s.logger.Error("issuing socket token failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.UTC(),
	})
}
