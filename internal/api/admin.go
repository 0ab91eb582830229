package api

import (
	"fmt"
	"net/http"
	"time"

	"tagarela/internal/models"
)

type rosterService interface {
	ActiveProfiles(since time.Time) ([]models.Profile, error)
	ForceOffline(userID string) error
}

type AdminHandler struct {
	svc          rosterService
	onlineWindow time.Duration
	now          func() time.Time
}

func NewAdminHandler(svc rosterService, onlineWindow time.Duration) *AdminHandler {
	return &AdminHandler{svc: svc, onlineWindow: onlineWindow, now: time.Now}
}

// OnlineResponse is the roster as seen by the operator.
type OnlineResponse struct {
	Since    time.Time        `json:"since"`
	Profiles []models.Profile `json:"profiles"`
}

func (h *AdminHandler) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	since := h.now().Add(-h.onlineWindow)
	profiles, err := h.svc.ActiveProfiles(since)
	if err != nil {
		writeError(w, err)
		return
	}
	if profiles == nil {
		profiles = []models.Profile{}
	}
	writeJSON(w, http.StatusOK, OnlineResponse{Since: since, Profiles: profiles})
}

// ForceOfflineHandler marks a user offline and removes their messages and
// media, the same cleanup an inactivity expiry performs client-side.
func (h *AdminHandler) ForceOfflineHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, models.Validationf("user id is required"))
		return
	}
	if err := h.svc.ForceOffline(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("user %s is offline", id)})
}
