package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"peerlink/internal/core/domain"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/pkg/config"
)

type fakeService struct {
	mu        sync.Mutex
	states    map[domain.PeerID]domain.ConnectionState
	tasks     []domain.ReconnectTask
	connected []domain.PeerDescriptor
	sent      map[domain.PeerID][]byte
	network   *bool
	err       error
}

func newFakeService() *fakeService {
	return &fakeService{
		states: map[domain.PeerID]domain.ConnectionState{},
		sent:   map[domain.PeerID][]byte{},
	}
}

func (f *fakeService) Connect(_ context.Context, desc domain.PeerDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.connected = append(f.connected, desc)
	f.states[desc.ID] = domain.Negotiating()
	return nil
}

func (f *fakeService) Disconnect(_ context.Context, id domain.PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return domain.ErrPeerNotFound
	}
	f.states[id] = domain.Disconnected("user request")
	return nil
}

func (f *fakeService) Reconnect(_ context.Context, id domain.PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return domain.ErrPeerNotFound
	}
	return nil
}

func (f *fakeService) State(_ context.Context, id domain.PeerID) (domain.ConnectionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	if !ok {
		return domain.ConnectionState{}, domain.ErrPeerNotFound
	}
	return s, nil
}

func (f *fakeService) States(context.Context) (map[domain.PeerID]domain.ConnectionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[domain.PeerID]domain.ConnectionState, len(f.states))
	for k, v := range f.states {
		out[k] = v
	}
	return out, nil
}

func (f *fakeService) PendingReconnects(context.Context) ([]domain.ReconnectTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks, nil
}

func (f *fakeService) SetNetworkAvailable(_ context.Context, available bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.network = &available
	return nil
}

func (f *fakeService) Send(_ context.Context, id domain.PeerID, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[id]; !ok || s.Kind != domain.StateConnected {
		return domain.ErrNotConnected
	}
	f.sent[id] = data
	return nil
}

func setupRouter(t *testing.T, svc *fakeService) *gin.Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.RequestsPerSecond = 0
	return setupRouterWithConfig(t, svc, cfg)
}

func setupRouterWithConfig(t *testing.T, svc *fakeService, cfg *config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zaptest.NewLogger(t).Sugar()
	health := monitoring.NewHealthChecker()
	health.AddCoordinatorCheck(svc, time.Second)

	return NewRouter(cfg, NewPeerHandler(svc, health, logger), nil, logger)
}

func request(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	router.ServeHTTP(w, req)
	return w
}

func TestPeerHandler_ConnectAndList(t *testing.T) {
	svc := newFakeService()
	router := setupRouter(t, svc)

	w := request(router, http.MethodPost, "/api/v1/peers", `{"id":"phone","address":"192.168.1.20:7946"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, svc.connected, 1)
	assert.Equal(t, domain.PeerDescriptor{ID: "phone", Name: "phone", Address: "192.168.1.20:7946"}, svc.connected[0])

	svc.states["tablet"] = domain.Connected(domain.PeerDescriptor{ID: "tablet", Name: "Tablet", Address: "192.168.1.21:7946"})

	w = request(router, http.MethodGet, "/api/v1/peers", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Peers []struct {
			ID    string          `json:"id"`
			State json.RawMessage `json:"state"`
		} `json:"peers"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, "phone", body.Peers[0].ID)
	assert.Equal(t, "tablet", body.Peers[1].ID)
	assert.Contains(t, string(body.Peers[0].State), `"state":"negotiating"`)
	assert.Contains(t, string(body.Peers[1].State), `"state":"connected"`)
}

func TestPeerHandler_ConnectRejectsBadInput(t *testing.T) {
	svc := newFakeService()
	router := setupRouter(t, svc)

	for _, body := range []string{
		`not json`,
		`{"id":"phone"}`,
		`{"id":"my phone","address":"10.0.0.2:7946"}`,
		`{"id":"phone","address":"10.0.0.2"}`,
	} {
		w := request(router, http.MethodPost, "/api/v1/peers", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, svc.connected)
}

func TestPeerHandler_GetPeer(t *testing.T) {
	svc := newFakeService()
	svc.states["phone"] = domain.Disconnected("heartbeat timeout")
	router := setupRouter(t, svc)

	w := request(router, http.MethodGet, "/api/v1/peers/phone", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"phone","state":{"state":"disconnected","reason":"heartbeat timeout"}}`, w.Body.String())

	w = request(router, http.MethodGet, "/api/v1/peers/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPeerHandler_DisconnectAndReconnect(t *testing.T) {
	svc := newFakeService()
	svc.states["phone"] = domain.Negotiating()
	router := setupRouter(t, svc)

	assert.Equal(t, http.StatusNoContent, request(router, http.MethodDelete, "/api/v1/peers/phone", "").Code)
	assert.Equal(t, domain.StateDisconnected, svc.states["phone"].Kind)

	assert.Equal(t, http.StatusAccepted, request(router, http.MethodPost, "/api/v1/peers/phone/reconnect", "").Code)
	assert.Equal(t, http.StatusNotFound, request(router, http.MethodPost, "/api/v1/peers/ghost/reconnect", "").Code)
	assert.Equal(t, http.StatusNotFound, request(router, http.MethodDelete, "/api/v1/peers/ghost", "").Code)
}

func TestPeerHandler_SendMessage(t *testing.T) {
	svc := newFakeService()
	svc.states["phone"] = domain.Negotiating()
	router := setupRouter(t, svc)

	assert.Equal(t, http.StatusConflict, request(router, http.MethodPost, "/api/v1/peers/phone/messages", "ping").Code)

	svc.states["phone"] = domain.Connected(domain.PeerDescriptor{ID: "phone", Address: "10.0.0.2:7946"})
	assert.Equal(t, http.StatusAccepted, request(router, http.MethodPost, "/api/v1/peers/phone/messages", "ping").Code)
	assert.Equal(t, []byte("ping"), svc.sent["phone"])

	assert.Equal(t, http.StatusBadRequest, request(router, http.MethodPost, "/api/v1/peers/phone/messages", "").Code)
}

func TestPeerHandler_SendMessageRateLimited(t *testing.T) {
	svc := newFakeService()
	svc.states["phone"] = domain.Connected(domain.PeerDescriptor{ID: "phone", Address: "10.0.0.2:7946"})

	cfg := config.DefaultConfig()
	cfg.API.RequestsPerSecond = 0
	cfg.API.MessagesPerSecond = 1
	cfg.API.MessageBurst = 2
	router := setupRouterWithConfig(t, svc, cfg)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusAccepted, request(router, http.MethodPost, "/api/v1/peers/phone/messages", "ping").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, request(router, http.MethodPost, "/api/v1/peers/phone/messages", "ping").Code)

	// reads are not charged against the send budget
	assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "/api/v1/peers/phone", "").Code)
}

func TestPeerHandler_Reconnects(t *testing.T) {
	svc := newFakeService()
	router := setupRouter(t, svc)

	w := request(router, http.MethodGet, "/api/v1/reconnects", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reconnects":[],"total":0}`, w.Body.String())

	svc.tasks = []domain.ReconnectTask{{
		PeerID:     "phone",
		Descriptor: domain.PeerDescriptor{ID: "phone", Address: "10.0.0.2:7946"},
		Attempt:    2,
		Reason:     domain.ReasonHeartbeatTimeout,
	}}
	w = request(router, http.MethodGet, "/api/v1/reconnects", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Reconnects []struct {
			PeerID  string `json:"peer_id"`
			Attempt int    `json:"attempt"`
			Reason  string `json:"reason"`
		} `json:"reconnects"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "phone", body.Reconnects[0].PeerID)
	assert.Equal(t, 2, body.Reconnects[0].Attempt)
	assert.Equal(t, "HeartbeatTimeout", body.Reconnects[0].Reason)
}

func TestPeerHandler_SetNetwork(t *testing.T) {
	svc := newFakeService()
	router := setupRouter(t, svc)

	assert.Equal(t, http.StatusBadRequest, request(router, http.MethodPut, "/api/v1/network", `{}`).Code)
	assert.Nil(t, svc.network)

	w := request(router, http.MethodPut, "/api/v1/network", `{"available":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.network)
	assert.False(t, *svc.network)
}

func TestPeerHandler_Health(t *testing.T) {
	svc := newFakeService()
	router := setupRouter(t, svc)

	w := request(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	svc.err = domain.ErrReleased
	w = request(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), domain.ErrReleased.Error())
}

func TestPeerHandler_Metrics(t *testing.T) {
	router := setupRouter(t, newFakeService())

	w := request(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
