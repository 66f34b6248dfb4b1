package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"aurapaste/cfg"
	"aurapaste/pkg/domain"
	"aurapaste/svc/paste"
	"aurapaste/svc/stats"
	"aurapaste/svc/util"
)

type Hdl struct {
	paste *paste.Service
	stats *stats.Service
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Title        string `json:"title,omitempty"`
	Content      string `json:"content"`
	Language     string `json:"language,omitempty"`
	Visibility   string `json:"visibility,omitempty"`
	ExpiryOption string `json:"expiryOption,omitempty"`
	Password     string `json:"password,omitempty"`
	AuthorName   string `json:"authorName,omitempty"`
}

type UpdateReq struct {
	Title      string `json:"title,omitempty"`
	Content    string `json:"content"`
	Language   string `json:"language,omitempty"`
	Visibility string `json:"visibility,omitempty"`
}

// actorFrom reads the identity injected by the fronting auth layer. A
// request without X-Auth-UID is anonymous.
func actorFrom(r *http.Request) *domain.Actor {
	uid := strings.TrimSpace(r.Header.Get("X-Auth-UID"))
	if uid == "" {
		return nil
	}
	return &domain.Actor{
		UID:         uid,
		DisplayName: strings.TrimSpace(r.Header.Get("X-Auth-Name")),
		Email:       strings.TrimSpace(r.Header.Get("X-Auth-Email")),
	}
}

func signalsFrom(r *http.Request) domain.EnvironmentSignals {
	locale := r.Header.Get("X-Client-Locale")
	if locale == "" {
		locale = r.Header.Get("Accept-Language")
	}
	return domain.EnvironmentSignals{
		UserAgent: r.UserAgent(),
		Locale:    locale,
		Screen:    r.Header.Get("X-Client-Screen"),
		Timezone:  r.Header.Get("X-Client-Timezone"),
	}
}

func (h *Hdl) isAdmin(actor *domain.Actor) bool {
	return actor != nil && h.stats != nil && h.stats.IsAdmin(actor.Email)
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", r.Header.Get("Content-Type")).Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}
	limit := h.cfg.MaxPasteSize * 2
	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		cl, err := strconv.ParseInt(clHeader, 10, 64)
		if err != nil || cl < 0 {
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		if cl > limit {
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	actor := actorFrom(r)
	p, err := h.paste.Create(r.Context(), domain.CreateParams{
		Title:        req.Title,
		Content:      sanitizeContent(req.Content),
		Language:     req.Language,
		AuthorName:   req.AuthorName,
		Visibility:   req.Visibility,
		ExpiryOption: req.ExpiryOption,
		Password:     req.Password,
	}, actor)
	if err != nil {
		log.Warn().Err(err).Msg("failed to create paste")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", p.ID).
		Str("visibility", p.Visibility).
		Bool("password_protected", p.IsPasswordProtected).
		Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(render(p))
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	p, err := h.read(r, id, true)
	if err != nil {
		if errors.Is(err, domain.ErrPasswordRequired) {
			log.Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed password attempt")
		} else {
			log.Warn().Err(err).Str("paste_id", id).Msg("get failed")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Int64("views", p.ViewCount).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(render(p))
}

func (h *Hdl) RawPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	p, err := h.read(r, chi.URLParam(r, "id"), false)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(p.Content))
}

func (h *Hdl) DownloadPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	p, err := h.read(r, chi.URLParam(r, "id"), false)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	filename := fmt.Sprintf("paste-%s.%s", p.ID, domain.FileExtension(p.Language))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Write([]byte(p.Content))
}

// read runs the gated retrieval shared by the JSON, raw and download
// paths. Only the JSON path counts views.
func (h *Hdl) read(r *http.Request, id string, countView bool) (*domain.Paste, error) {
	password := r.URL.Query().Get("password")
	if password == "" {
		password = r.Header.Get("X-Paste-Password")
	}
	var viewerUID string
	if actor := actorFrom(r); actor != nil {
		viewerUID = actor.UID
	}
	p, err := h.paste.Get(r.Context(), id, paste.ReadOpts{
		Password:  password,
		ViewerUID: viewerUID,
		Signals:   signalsFrom(r),
		CountView: countView,
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrPasteNotFound
	}
	return p, nil
}

func (h *Hdl) UpdatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	actor := actorFrom(r)
	if actor == nil {
		writeErr(w, domain.ErrForbidden, requestID)
		return
	}
	owner, err := h.paste.AuthorOf(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if owner != actor.UID && !h.isAdmin(actor) {
		writeErr(w, domain.ErrForbidden, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxPasteSize*2)
	var req UpdateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	err = h.paste.Update(r.Context(), id, domain.UpdateParams{
		Title:      req.Title,
		Content:    sanitizeContent(req.Content),
		Language:   req.Language,
		Visibility: req.Visibility,
	})
	if err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("update failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	actor := actorFrom(r)
	if actor == nil {
		writeErr(w, domain.ErrForbidden, requestID)
		return
	}
	// Admins take the unchecked path; everyone else must own the record.
	requestingUID := actor.UID
	if h.isAdmin(actor) {
		requestingUID = ""
	}
	if err := h.paste.Delete(r.Context(), id, requestingUID); err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("delete failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (h *Hdl) RecentPastes(w http.ResponseWriter, r *http.Request) {
	limit := h.cfg.RecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	pastes := h.paste.ListRecentPublic(r.Context(), limit)
	json.NewEncoder(w).Encode(renderList(pastes))
}

func (h *Hdl) UserPastes(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	uid := chi.URLParam(r, "uid")
	actor := actorFrom(r)
	// The listing includes private pastes, so only the owner or an
	// admin gets it.
	if (actor == nil || actor.UID != uid) && !h.isAdmin(actor) {
		writeErr(w, domain.ErrForbidden, requestID)
		return
	}
	pastes := h.paste.ListByAuthor(r.Context(), uid)
	json.NewEncoder(w).Encode(renderList(pastes))
}

func (h *Hdl) UserStats(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	uid := chi.URLParam(r, "uid")
	st, err := h.stats.Stats(r.Context(), uid)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(struct {
		*domain.UserStats
		Badges []domain.Badge `json:"badges"`
	}{st, st.Badges()})
}

func (h *Hdl) UserAchievements(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	uid := chi.URLParam(r, "uid")
	achievements, err := h.stats.Achievements(r.Context(), uid)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(achievements)
}

// SyncMe upserts the caller's profile document. The auth layer is
// expected to hit this after sign-in.
func (h *Hdl) SyncMe(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	actor := actorFrom(r)
	if actor == nil {
		writeErr(w, domain.ErrForbidden, requestID)
		return
	}
	if err := h.stats.SaveUserInfo(r.Context(), *actor); err != nil {
		util.Error().Err(err).Str("uid", actor.UID).Msg("profile sync failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// render strips the stored password before a record leaves the service.
func render(p *domain.Paste) *domain.Paste {
	out := *p
	out.Password = ""
	return &out
}

func renderList(pastes []*domain.Paste) []*domain.Paste {
	out := make([]*domain.Paste, 0, len(pastes))
	for _, p := range pastes {
		out = append(out, render(p))
	}
	return out
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("request failed")
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

// sanitizeContent normalizes the payload to NFC and strips control
// characters other than whitespace. Markup stays untouched; escaping is
// the renderer's job.
func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
