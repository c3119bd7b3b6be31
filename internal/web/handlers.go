package web

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hpungsan/upbeat/internal/config"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/ops"
	"github.com/hpungsan/upbeat/internal/service"
)

// maxBodyBytes bounds request bodies for the form and the JSON API.
const maxBodyBytes = 64 << 10

// Handlers contains HTTP route handlers for the web UI.
type Handlers struct {
	svc      *service.Service
	db       *sql.DB
	cfg      *config.Config
	audit    *ops.Auditor
	renderer *Renderer
}

// HandleParaphraseForm handles GET /paraphrase, the input form.
func (h *Handlers) HandleParaphraseForm(w http.ResponseWriter, r *http.Request) {
	h.renderer.renderPage(w, r, "paraphrase", ParaphrasePageData{
		PageData: h.renderer.page("Paraphrase", "paraphrase"),
		State:    h.svc.State(),
	})
}

// HandleParaphrase handles POST /paraphrase. Request errors are shown on
// the form so the user keeps their input.
func (h *Handlers) HandleParaphrase(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid form data"))
		return
	}

	input := r.FormValue("text")
	data := ParaphrasePageData{
		PageData: h.renderer.page("Paraphrase", "paraphrase"),
		Input:    input,
		State:    h.svc.State(),
	}

	result, err := ops.Paraphrase(r.Context(), h.svc, h.audit, ops.ParaphraseInput{Input: input})
	if err != nil {
		uErr := errors.As(err)
		if uErr.Status >= 500 || wantsJSON(r) {
			h.renderer.renderError(w, r, err)
			return
		}
		data.Error = uErr.SafeMessage()
		h.renderer.renderPageStatus(w, r, uErr.Status, "paraphrase", data)
		return
	}

	data.Result = result
	h.renderer.renderPage(w, r, "paraphrase", data)
}

// apiParaphraseRequest is the body of POST /api/paraphrase.
type apiParaphraseRequest struct {
	Text string `json:"text"`
}

// HandleAPIParaphrase handles POST /api/paraphrase. Responses are always JSON.
func (h *Handlers) HandleAPIParaphrase(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req apiParaphraseRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		renderJSONError(w, errors.NewInvalidRequest("body must be a JSON object with a \"text\" field"))
		return
	}

	result, err := ops.Paraphrase(r.Context(), h.svc, h.audit, ops.ParaphraseInput{Input: req.Text})
	if err != nil {
		uErr := errors.As(err)
		if uErr.Status >= 500 {
			h.renderer.logger.Error("api paraphrase failed", zap.String("code", string(uErr.Code)), zap.Error(err))
		}
		renderJSONError(w, uErr)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleHistory handles GET /history, the paginated audit log.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	result, err := ops.History(r.Context(), h.db, ops.HistoryInput{
		Limit:  parseIntParam(r, "limit", ops.DefaultListLimit),
		Offset: parseIntParam(r, "offset", 0),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	h.renderer.renderPage(w, r, "history", HistoryPageData{
		PageData:   h.renderer.page("History", "history"),
		Items:      result.Items,
		Pagination: result.Pagination,
	})
}

// HandleModel handles GET /model, the model card and recent training runs.
func (h *Handlers) HandleModel(w http.ResponseWriter, r *http.Request) {
	info := h.svc.Info()
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, info)
		return
	}

	card, err := h.svc.Card()
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	runs, err := ops.Runs(r.Context(), h.db, ops.RunsInput{})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, r, "model", ModelPageData{
		PageData: h.renderer.page("Model", "model"),
		Info:     info,
		CardHTML: renderMarkdown(card),
		Runs:     runs.Items,
	})
}

// HandleHealth handles GET /healthz. It reports 503 until a model is loaded.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.svc.State()
	status := http.StatusOK
	if st == service.Uninitialized {
		status = http.StatusServiceUnavailable
	}
	renderJSON(w, status, map[string]any{
		"status": http.StatusText(status),
		"state":  st,
	})
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
