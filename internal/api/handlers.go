package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/h2non/filetype"

	"tagarela/internal/backend"
	"tagarela/internal/models"
	"tagarela/internal/ws"
)

const defaultHistoryLimit = 100

type API struct {
	svc *backend.Service
}

func New(svc *backend.Service) *API {
	return &API{svc: svc}
}

func (a *API) setSessionCookie(w http.ResponseWriter, s backend.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    s.Token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		Expires:  s.ExpiresAt,
	})
}

func (a *API) SignUpHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.SignUpRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s, err := a.svc.SignUp(req)
	if err != nil {
		writeError(w, err)
		return
	}
	a.setSessionCookie(w, s)
	writeJSON(w, http.StatusCreated, s)
}

func (a *API) SignInHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.SignInRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s, err := a.svc.SignIn(req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	a.setSessionCookie(w, s)
	writeJSON(w, http.StatusOK, s)
}

func (a *API) SignOutHandler(w http.ResponseWriter, r *http.Request) {
	if token := ws.Token(r); token != "" {
		_ = a.svc.SignOut(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.GetProfile(userID(r), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var upd models.ProfileUpdate
	if err := decode(r, &upd); err != nil {
		writeError(w, err)
		return
	}
	p, err := a.svc.UpdateProfile(userID(r), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.GetProfile(userID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) OnlineProfilesHandler(w http.ResponseWriter, r *http.Request) {
	since, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, models.Validationf("since must be an RFC 3339 timestamp"))
		return
	}
	profiles, err := a.svc.ActiveProfiles(since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (a *API) ActivityHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.ActivityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.At.IsZero() {
		req.At = time.Now()
	}
	if err := a.svc.TouchActivity(userID(r), req.At); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) OfflineHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.MarkOffline(userID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) InsertMessageHandler(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := decode(r, &msg); err != nil {
		writeError(w, err)
		return
	}
	stored, err := a.svc.InsertMessage(userID(r), msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func limit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, models.Validationf("limit must be a positive number")
	}
	return n, nil
}

func (a *API) PublicMessagesHandler(w http.ResponseWriter, r *http.Request) {
	n, err := limit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := a.svc.PublicMessages(n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) PrivateMessagesHandler(w http.ResponseWriter, r *http.Request) {
	n, err := limit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := a.svc.PrivateMessages(userID(r), r.PathValue("otherId"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) DeleteOwnMessagesHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.DeleteOwnMessages(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backend.DeleteMessagesResponse{Deleted: n})
}

func (a *API) BlockedHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := a.svc.Blocked(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (a *API) BlockHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Block(userID(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) UnblockHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Unblock(userID(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) BlockStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := a.svc.BlockStatus(userID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) UploadMediaHandler(w http.ResponseWriter, r *http.Request) {
	url, err := a.svc.UploadMedia(userID(r), r.PathValue("path"), r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, backend.UploadResponse{URL: url})
}

func (a *API) ListMediaHandler(w http.ResponseWriter, r *http.Request) {
	paths, err := a.svc.ListMedia(userID(r), r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paths)
}

func (a *API) DeleteMediaHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.DeleteMediaRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.svc.DeleteMedia(userID(r), req.Paths); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MediaHandler serves uploaded files publicly.
func (a *API) MediaHandler(w http.ResponseWriter, r *http.Request) {
	f, err := a.svc.OpenMedia(r.PathValue("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, err)
		return
	}
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		w.Header().Set("Content-Type", kind.MIME.Value)
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}

func (a *API) PushSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var sub models.PushSubscription
	if err := decode(r, &sub); err != nil {
		writeError(w, err)
		return
	}
	if err := a.svc.AddPushSubscription(userID(r), sub); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) PublishHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.PublishRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	env, err := a.svc.Publish(userID(r), r.PathValue("topic"), req.Event, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, env)
}
