package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bosley/healthas/appointments"
	"github.com/bosley/healthas/apperr"
	"github.com/bosley/healthas/client"
)

const (
	maxJSONBody   = 1 << 20
	maxUploadBody = 32 << 20
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type messageRequest struct {
	Text string `json:"text"`
}

// Handler returns the bridge routes.
func (b *Bridge) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/ws", b.handleWebSocket).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(b.instrument)

	api.HandleFunc("/state", b.handleState).Methods("GET")
	api.HandleFunc("/messages", b.handleSendMessage).Methods("POST")
	api.HandleFunc("/mic/toggle", b.handleToggleMic).Methods("POST")
	api.HandleFunc("/selection", b.handleSelect).Methods("POST")
	api.HandleFunc("/upload", b.handleUpload).Methods("POST")
	api.HandleFunc("/banner/dismiss", b.handleDismissBanner).Methods("POST")

	api.HandleFunc("/appointments", b.handleOpenAppointments).Methods("GET")
	api.HandleFunc("/appointments", b.handleCreateAppointment).Methods("POST")
	api.HandleFunc("/appointments/refresh", b.handleRefreshAppointments).Methods("POST")
	api.HandleFunc("/appointments/{id}", b.handleUpdateAppointment).Methods("PUT")
	api.HandleFunc("/appointments/{id}", b.handleDeleteAppointment).Methods("DELETE")
	api.HandleFunc("/draft", b.handleEditDraft).Methods("PUT")

	return router
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok\n")
}

func (b *Bridge) handleState(w http.ResponseWriter, r *http.Request) {
	b.writeView(w, http.StatusOK)
}

func (b *Bridge) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	b.app.SendText(req.Text)
	b.writeView(w, http.StatusAccepted)
}

func (b *Bridge) handleToggleMic(w http.ResponseWriter, r *http.Request) {
	if err := b.app.ToggleMic(); err != nil {
		writeError(w, err)
		return
	}
	b.writeView(w, http.StatusOK)
}

func (b *Bridge) handleSelect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	file, header, err := r.FormFile("image_file")
	if err != nil {
		writeError(w, apperr.Validation("image_file", "Please select an image file."))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, fmt.Errorf("failed to read image_file: %w", err))
		return
	}

	f := client.File{Name: header.Filename, Data: data}
	// generic part types are left for detection
	if ct := header.Header.Get("Content-Type"); ct != "application/octet-stream" {
		f.ContentType = ct
	}
	if err := b.app.SelectFile(f); err != nil {
		writeError(w, err)
		return
	}
	b.writeView(w, http.StatusOK)
}

func (b *Bridge) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := b.app.Upload(); err != nil {
		writeError(w, err)
		return
	}
	b.writeView(w, http.StatusAccepted)
}

func (b *Bridge) handleDismissBanner(w http.ResponseWriter, r *http.Request) {
	b.app.DismissBanner()
	b.writeView(w, http.StatusOK)
}

func (b *Bridge) handleOpenAppointments(w http.ResponseWriter, r *http.Request) {
	if err := b.app.OpenAppointments(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	b.writeView(w, http.StatusOK)
}

func (b *Bridge) handleRefreshAppointments(w http.ResponseWriter, r *http.Request) {
	if err := b.app.RefreshAppointments(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	b.writeView(w, http.StatusOK)
}

func (b *Bridge) handleEditDraft(w http.ResponseWriter, r *http.Request) {
	var d appointments.Draft
	if err := decodeJSON(w, r, &d); err != nil {
		writeError(w, err)
		return
	}
	b.app.EditDraft(d)
	b.writeView(w, http.StatusOK)
}

func (b *Bridge) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	if err := b.app.CreateAppointment(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	b.writeView(w, http.StatusCreated)
}

func (b *Bridge) handleUpdateAppointment(w http.ResponseWriter, r *http.Request) {
	var p appointments.Patch
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, err)
		return
	}
	if err := b.app.UpdateAppointment(r.Context(), mux.Vars(r)["id"], p); err != nil {
		writeError(w, err)
		return
	}
	b.writeView(w, http.StatusOK)
}

func (b *Bridge) handleDeleteAppointment(w http.ResponseWriter, r *http.Request) {
	confirmed := false
	if v := r.URL.Query().Get("confirmed"); v != "" {
		var err error
		if confirmed, err = strconv.ParseBool(v); err != nil {
			writeError(w, apperr.Validation("confirmed", "must be a boolean"))
			return
		}
	}
	if err := b.app.DeleteAppointment(r.Context(), mux.Vars(r)["id"], confirmed); err != nil {
		writeError(w, err)
		return
	}
	b.writeView(w, http.StatusOK)
}

func (b *Bridge) writeView(w http.ResponseWriter, code int) {
	writeJSON(w, code, b.app.View())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		resp.Error = ve.Message
		resp.Field = ve.Field
	}
	writeJSON(w, statusFor(err), resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrBusy), errors.Is(err, apperr.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrFetch), errors.Is(err, apperr.ErrTransfer):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (b *Bridge) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		b.metrics.BridgeRequest(route, rec.code)
		slog.Debug("Bridge request", "method", r.Method, "route", route, "code", rec.code)
	})
}
