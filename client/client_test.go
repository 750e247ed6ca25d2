package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/healthas/appointments"
	"github.com/bosley/healthas/apperr"
)

func newTestClient(t *testing.T, router *mux.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL, UserID: "sdn"})
	require.NoError(t, err)
	return c
}

func TestChat(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/chat", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "sdn", body["user_id"])
		assert.Equal(t, "hello", body["message"])
		w.Write([]byte(`{"response":"hi there"}`))
	}).Methods(http.MethodPost)

	resp, err := newTestClient(t, r).Chat(context.Background(), "hello")
	require.NoError(t, err)
	require.NotNil(t, resp.Response)
	assert.Equal(t, "hi there", *resp.Response)
}

func TestChatMissingFieldIsNil(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/chat", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"other":"x"}`))
	})

	resp, err := newTestClient(t, r).Chat(context.Background(), "hello")
	require.NoError(t, err)
	assert.Nil(t, resp.Response)
}

func TestStatusErrorIsTransfer(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/chat", func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	})

	_, err := newTestClient(t, r).Chat(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTransfer)

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusServiceUnavailable, serr.StatusCode)
	assert.Contains(t, serr.Body, "model overloaded")
}

func TestNetworkErrorIsTransfer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := New(Options{BaseURL: srv.URL, UserID: "sdn"})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "hello")
	assert.ErrorIs(t, err, apperr.ErrTransfer)
}

func TestVoiceToText(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/voice-to-text", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "sdn", req.URL.Query().Get("user_id"))
		file, header, err := req.FormFile("audio_file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)

		assert.Equal(t, "recording.wav", header.Filename)
		assert.Equal(t, "audio/wav", header.Header.Get("Content-Type"))
		assert.Equal(t, []byte("RIFF"), data)
		w.Write([]byte(`{"transcribed_text":"I have a headache","response":"Have you taken any medication?"}`))
	}).Methods(http.MethodPost)

	resp, err := newTestClient(t, r).VoiceToText(context.Background(), File{
		Name:        "recording.wav",
		ContentType: "audio/wav",
		Data:        []byte("RIFF"),
	})
	require.NoError(t, err)
	assert.Equal(t, "I have a headache", *resp.TranscribedText)
	assert.Equal(t, "Have you taken any medication?", *resp.Response)
}

func TestAnalyzeImage(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/analyze-image", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "sdn", req.URL.Query().Get("user_id"))
		require.NoError(t, req.ParseMultipartForm(1<<20))
		assert.Equal(t, "What do you see?", req.FormValue("prompt"))
		_, header, err := req.FormFile("image_file")
		require.NoError(t, err)
		assert.Equal(t, "rash.png", header.Filename)
		w.Write([]byte(`{"analysis":"Looks like a mild rash."}`))
	})

	resp, err := newTestClient(t, r).AnalyzeImage(context.Background(), File{Name: "rash.png", ContentType: "image/png", Data: []byte{1, 2}}, "What do you see?")
	require.NoError(t, err)
	assert.Equal(t, "Looks like a mild rash.", *resp.Analysis)
}

func TestAppointmentsCRUD(t *testing.T) {
	var created appointments.CreateRequest
	var updated appointments.UpdateRequest
	var deletedUser string

	r := mux.NewRouter()
	r.HandleFunc("/appointments/{user}", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "sdn", mux.Vars(req)["user"])
		w.Write([]byte(`[{"id": 3, "date_time": "2031-06-01T14:00:00", "purpose": "Annual check-up", "status": "scheduled"}]`))
	}).Methods(http.MethodGet)
	r.HandleFunc("/appointments", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&created))
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)
	r.HandleFunc("/appointments/{id}", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "3", mux.Vars(req)["id"])
		require.NoError(t, json.NewDecoder(req.Body).Decode(&updated))
	}).Methods(http.MethodPut)
	r.HandleFunc("/appointments/{id}", func(w http.ResponseWriter, req *http.Request) {
		deletedUser = req.URL.Query().Get("user_id")
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	c := newTestClient(t, r)
	ctx := context.Background()

	records, err := c.ListAppointments(ctx, "sdn")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "3", records[0].ID)

	at := time.Date(2031, 6, 1, 16, 0, 0, 0, time.FixedZone("UTC+2", 7200))
	require.NoError(t, c.CreateAppointment(ctx, appointments.CreateRequest{UserID: "sdn", DateTime: at, Purpose: "Annual check-up"}))
	assert.Equal(t, "sdn", created.UserID)
	assert.True(t, created.DateTime.Equal(at))
	assert.Equal(t, time.UTC, created.DateTime.Location())

	purpose := "Follow-up"
	require.NoError(t, c.UpdateAppointment(ctx, "3", appointments.UpdateRequest{UserID: "sdn", Purpose: &purpose}))
	require.NotNil(t, updated.Purpose)
	assert.Equal(t, "Follow-up", *updated.Purpose)
	assert.Nil(t, updated.DateTime)

	require.NoError(t, c.DeleteAppointment(ctx, "sdn", "3"))
	assert.Equal(t, "sdn", deletedUser)
}

func TestListAppointmentsFailure(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/appointments/{user}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	records, err := newTestClient(t, r).ListAppointments(context.Background(), "sdn")
	assert.Nil(t, records)
	assert.True(t, errors.Is(err, apperr.ErrTransfer))
}

func TestNewRequiresUser(t *testing.T) {
	_, err := New(Options{BaseURL: "http://localhost"})
	assert.Error(t, err)
}

func TestCreateTLSConfigMissingCA(t *testing.T) {
	_, err := New(Options{BaseURL: "https://localhost", UserID: "sdn", CACertFile: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}
