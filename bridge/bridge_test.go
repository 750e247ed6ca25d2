package bridge

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/healthas/audio"
	"github.com/bosley/healthas/client"
	"github.com/bosley/healthas/conversation"
	"github.com/bosley/healthas/metrics"
	"github.com/bosley/healthas/orchestrator"
)

// remote is an in-memory stand-in for the health assistant service.
type remote struct {
	mu      sync.Mutex
	records []map[string]any
	nextID  int
}

func (rm *remote) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/chat", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		json.NewDecoder(req.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]string{"response": "reply: " + body.Message})
	}).Methods(http.MethodPost)

	r.HandleFunc("/analyze-image", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"analysis": "Looks healthy."})
	}).Methods(http.MethodPost)

	r.HandleFunc("/appointments/{user}", func(w http.ResponseWriter, req *http.Request) {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		out := rm.records
		if out == nil {
			out = []map[string]any{}
		}
		json.NewEncoder(w).Encode(out)
	}).Methods(http.MethodGet)

	r.HandleFunc("/appointments", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		json.NewDecoder(req.Body).Decode(&body)
		rm.mu.Lock()
		rm.nextID++
		rm.records = append(rm.records, map[string]any{
			"id":        rm.nextID,
			"date_time": body["date_time"],
			"purpose":   body["purpose"],
			"status":    "scheduled",
		})
		rm.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)

	r.HandleFunc("/appointments/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		rm.mu.Lock()
		defer rm.mu.Unlock()
		kept := rm.records[:0]
		for _, rec := range rm.records {
			if fmt.Sprint(rec["id"]) != id {
				kept = append(kept, rec)
			}
		}
		rm.records = kept
	}).Methods(http.MethodDelete)

	return r
}

type harness struct {
	orch   *orchestrator.Orchestrator
	bridge *Bridge
	remote *remote
	srv    *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	rm := &remote{}
	api := httptest.NewServer(rm.router())
	t.Cleanup(api.Close)

	c, err := client.New(client.Options{BaseURL: api.URL, UserID: "sdn"})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	o, err := orchestrator.New(context.Background(), orchestrator.Options{
		Service:  c,
		UserID:   "sdn",
		Location: time.UTC,
		Format:   audio.Format{SampleRate: 16000, Channels: 1},
		Metrics:  m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { o.Close(context.Background()) })

	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	b, err := New(cfg, o, reg, m)
	require.NoError(t, err)

	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)

	return &harness{orch: o, bridge: b, remote: rm, srv: srv}
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader, contentType string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (h *harness) doJSON(t *testing.T, method, path string, v any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	return h.do(t, method, path, body, "application/json")
}

func decodeView(t *testing.T, data []byte) orchestrator.View {
	t.Helper()
	var v orchestrator.View
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func entryTexts(v orchestrator.View) []string {
	out := make([]string, len(v.Conversation.Entries))
	for i, e := range v.Conversation.Entries {
		out[i] = e.Text
	}
	return out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, Config{})
	resp, body := h.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))
}

func TestStateHasWelcome(t *testing.T) {
	h := newHarness(t, Config{})
	resp, body := h.do(t, http.MethodGet, "/api/state", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{conversation.Welcome}, entryTexts(decodeView(t, body)))
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, Config{})

	resp, body := h.doJSON(t, http.MethodPost, "/api/messages", messageRequest{Text: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, entryTexts(decodeView(t, body)), "hello", "echo is visible in the response")

	h.orch.Wait()
	_, body = h.do(t, http.MethodGet, "/api/state", nil, "")
	assert.Equal(t, []string{conversation.Welcome, "hello", "reply: hello"}, entryTexts(decodeView(t, body)))
}

func TestMalformedJSON(t *testing.T) {
	h := newHarness(t, Config{})
	resp, body := h.do(t, http.MethodPost, "/api/messages", strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "body", e.Field)
}

func TestWebSocketPushesViews(t *testing.T) {
	h := newHarness(t, Config{})

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, messageView, first.Type)
	assert.Equal(t, []string{conversation.Welcome}, entryTexts(first.Payload))

	require.Eventually(t, func() bool { return h.bridge.clients.Len() == 1 }, time.Second, 5*time.Millisecond)
	h.orch.SendText("ping")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if texts := entryTexts(msg.Payload); len(texts) == 3 {
			assert.Equal(t, "reply: ping", texts[2])
			break
		}
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, Config{})

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func multipartImage(t *testing.T, name, contentType string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image_file"; filename=%q`, name))
	if contentType != "" {
		hdr.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	part.Write(data)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestSelectAndUpload(t *testing.T) {
	h := newHarness(t, Config{})

	body, ct := multipartImage(t, "skin.png", "image/png", []byte("\x89PNG\r\n\x1a\n"))
	resp, data := h.do(t, http.MethodPost, "/api/selection", body, ct)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, "skin.png", decodeView(t, data).SelectedFile)

	resp, data = h.do(t, http.MethodPost, "/api/upload", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, orchestrator.StatusUploading, decodeView(t, data).UploadStatus)

	h.orch.Wait()
	_, data = h.do(t, http.MethodGet, "/api/state", nil, "")
	v := decodeView(t, data)
	assert.Equal(t, orchestrator.StatusUploaded, v.UploadStatus)
	assert.Equal(t, []string{conversation.Welcome, orchestrator.ImageEcho, "Looks healthy."}, entryTexts(v))
}

func TestSelectRejectsNonImage(t *testing.T) {
	h := newHarness(t, Config{})

	body, ct := multipartImage(t, "notes.txt", "text/plain", []byte("hello"))
	resp, data := h.do(t, http.MethodPost, "/api/selection", body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var e errorResponse
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, "image_file", e.Field)
}

func TestUploadWithoutSelection(t *testing.T) {
	h := newHarness(t, Config{})

	resp, data := h.do(t, http.MethodPost, "/api/upload", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var e errorResponse
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, orchestrator.StatusSelectImage, e.Error)
}

func TestMicWithoutDevice(t *testing.T) {
	h := newHarness(t, Config{})

	resp, _ := h.do(t, http.MethodPost, "/api/mic/toggle", nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, data := h.do(t, http.MethodGet, "/api/state", nil, "")
	assert.Equal(t, orchestrator.BannerMicrophone, decodeView(t, data).Banner)

	_, data = h.do(t, http.MethodPost, "/api/banner/dismiss", nil, "")
	assert.Empty(t, decodeView(t, data).Banner)
}

func TestAppointmentLifecycle(t *testing.T) {
	h := newHarness(t, Config{})

	resp, data := h.do(t, http.MethodGet, "/api/appointments", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeView(t, data).Appointments.Records)

	resp, _ = h.doJSON(t, http.MethodPut, "/api/draft", map[string]string{"date_time": "2030-05-01T09:30"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, data = h.do(t, http.MethodPost, "/api/appointments", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "blank purpose is rejected locally")
	var e errorResponse
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, "purpose", e.Field)

	resp, _ = h.doJSON(t, http.MethodPut, "/api/draft", map[string]string{"date_time": "2030-05-01T09:30", "purpose": "Blood test"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, data = h.do(t, http.MethodPost, "/api/appointments", nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	v := decodeView(t, data)
	require.Len(t, v.Appointments.Records, 1)
	rec := v.Appointments.Records[0]
	assert.Equal(t, "Blood test", rec.Purpose)
	assert.Equal(t, time.Date(2030, 5, 1, 9, 30, 0, 0, time.UTC), rec.ScheduledAt.UTC())
	assert.Empty(t, v.Draft.Purpose)

	resp, data = h.do(t, http.MethodDelete, "/api/appointments/"+rec.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeView(t, data).Appointments.Records, 1, "unconfirmed delete does nothing")

	resp, data = h.do(t, http.MethodDelete, "/api/appointments/"+rec.ID+"?confirmed=true", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeView(t, data).Appointments.Records)

	resp, _ = h.do(t, http.MethodDelete, "/api/appointments/"+rec.ID+"?confirmed=maybe", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	h.do(t, http.MethodGet, "/api/state", nil, "")

	resp, data := h.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `healthas_bridge_requests_total{code="2xx",route="/api/state"} 1`)
}

func TestInboxSelectsDroppedImage(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox")
	h := newHarness(t, Config{InboxDir: inbox})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.bridge.workers.Add(1)
	go h.bridge.worker()
	go h.bridge.watchInbox(ctx)

	// give the watcher a moment to register the directory
	require.Eventually(t, func() bool { return len(h.bridge.watcher.WatchList()) == 1 }, time.Second, 5*time.Millisecond)

	tmp := filepath.Join(inbox, "rash.png.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("\x89PNG\r\n\x1a\n"), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(inbox, "rash.png")))

	require.Eventually(t, func() bool {
		return h.orch.View().SelectedFile == "rash.png"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.bridge.Stop(context.Background()))
}

func TestInboxCandidate(t *testing.T) {
	assert.True(t, inboxCandidate("/in/photo.jpg"))
	assert.False(t, inboxCandidate("/in/.photo.jpg"))
	assert.False(t, inboxCandidate("/in/photo.jpg.tmp"))
	assert.False(t, inboxCandidate("/in/photo.jpg.crdownload"))
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:5173", true},
		{"http://[::1]:8080", true},
		{"http://bridge.local:8444", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://bridge.local:8444/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(r), tt.origin)
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Listen: ":0"}, nil, nil, nil)
	assert.Error(t, err)

	h := newHarness(t, Config{})
	_, err = New(Config{}, h.orch, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Listen: ":0", CertFile: "cert.pem"}, h.orch, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Listen: ":0", CertFile: "missing.pem", KeyFile: "missing.key"}, h.orch, nil, nil)
	assert.Error(t, err)
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bridge.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.NoError(t, h.bridge.Stop(context.Background()))
}

func TestStartServesTLS(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeSelfSigned(t, dir)
	h := newHarness(t, Config{CertFile: cert, KeyFile: key})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bridge.Start(ctx) }()

	// Give ListenAndServeTLS time to configure the server while Start logs.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.NoError(t, h.bridge.Stop(context.Background()))
}

func writeSelfSigned(t *testing.T, dir string) (string, string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}
