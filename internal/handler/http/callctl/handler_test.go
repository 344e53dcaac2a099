package callctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"peercall/internal/call"
	"peercall/internal/keyexchange"
	"peercall/internal/relay"
	"peercall/internal/signaling"
	"peercall/internal/transport"
	"peercall/pkg/push"
)

type testAgent struct {
	router  *gin.Engine
	callSvc *call.Service
	sig     *signaling.Service
}

func newTestAgent(t *testing.T, store relay.Store, userID string) *testAgent {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sig := signaling.NewService(store, signaling.Identity{UserID: userID}, keyexchange.NewCodec(), nil, nil)
	callSvc, err := call.NewService(sig, transport.NewStaticMediaProvider(), transport.DefaultConfig(), call.Options{
		SettleDelay: 10 * time.Millisecond,
		LossGrace:   100 * time.Millisecond,
	})
	assert.NoError(t, err)
	assert.NoError(t, callSvc.Start(context.Background()))
	t.Cleanup(func() { callSvc.Stop(context.Background()) })

	pushSvc := push.NewService(&push.MockProvider{}, push.NewMemoryTokenRepository(), nil)
	hdlr := NewHandler(callSvc, sig, pushSvc)

	router := gin.New()
	router.POST("/v1/call/start", hdlr.StartCall)
	router.POST("/v1/call/accept", hdlr.AcceptCall)
	router.POST("/v1/call/end", hdlr.EndCall)
	router.POST("/v1/call/audio", hdlr.ToggleAudio)
	router.GET("/v1/call/state", hdlr.GetCallState)
	router.GET("/v1/calls/:id", hdlr.GetCall)
	router.POST("/v1/push/tokens", hdlr.RegisterPushToken)
	router.DELETE("/v1/push/tokens", hdlr.UnregisterPushTokens)

	return &testAgent{router: router, callSvc: callSvc, sig: sig}
}

func (a *testAgent) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		assert.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestStartCallEndpoint(t *testing.T) {
	store := relay.NewMemoryStore()
	agent := newTestAgent(t, store, "alice")

	w := agent.do(t, http.MethodPost, "/v1/call/start", gin.H{
		"recipient_id": "bob",
		"call_type":    "audio",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			CallID      string `json:"callId"`
			RecipientID string `json:"recipientId"`
			Status      string `json:"status"`
		} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.True(t, envelope.Success)
	assert.NotEmpty(t, envelope.Data.CallID)
	assert.Equal(t, "bob", envelope.Data.RecipientID)
	assert.Equal(t, "ringing", envelope.Data.Status)

	// The stored record is retrievable through the lookup endpoint.
	w = agent.do(t, http.MethodGet, "/v1/calls/"+envelope.Data.CallID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartCallValidation(t *testing.T) {
	agent := newTestAgent(t, relay.NewMemoryStore(), "alice")

	w := agent.do(t, http.MethodPost, "/v1/call/start", gin.H{
		"recipient_id": "bob",
		"call_type":    "hologram",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = agent.do(t, http.MethodPost, "/v1/call/start", gin.H{
		"call_type": "audio",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartCallWhileBusy(t *testing.T) {
	agent := newTestAgent(t, relay.NewMemoryStore(), "alice")

	w := agent.do(t, http.MethodPost, "/v1/call/start", gin.H{
		"recipient_id": "bob",
		"call_type":    "audio",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = agent.do(t, http.MethodPost, "/v1/call/start", gin.H{
		"recipient_id": "carol",
		"call_type":    "audio",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAcceptWithoutRingingCall(t *testing.T) {
	agent := newTestAgent(t, relay.NewMemoryStore(), "alice")

	w := agent.do(t, http.MethodPost, "/v1/call/accept", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEndCallIsAlwaysOK(t *testing.T) {
	agent := newTestAgent(t, relay.NewMemoryStore(), "alice")

	w := agent.do(t, http.MethodPost, "/v1/call/end", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestToggleAudioWithoutCall(t *testing.T) {
	agent := newTestAgent(t, relay.NewMemoryStore(), "alice")

	enabled := false
	w := agent.do(t, http.MethodPost, "/v1/call/audio", gin.H{"enabled": &enabled})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetCallStateIdle(t *testing.T) {
	agent := newTestAgent(t, relay.NewMemoryStore(), "alice")

	w := agent.do(t, http.MethodGet, "/v1/call/state", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data struct {
			Phase string `json:"phase"`
		} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "idle", envelope.Data.Phase)
}

func TestGetCallNotFound(t *testing.T) {
	agent := newTestAgent(t, relay.NewMemoryStore(), "alice")

	w := agent.do(t, http.MethodGet, "/v1/calls/unknown-call", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPushTokenLifecycle(t *testing.T) {
	agent := newTestAgent(t, relay.NewMemoryStore(), "alice")

	w := agent.do(t, http.MethodPost, "/v1/push/tokens", gin.H{
		"token":    "device-token-1",
		"type":     "fcm",
		"platform": "android",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = agent.do(t, http.MethodPost, "/v1/push/tokens", gin.H{
		"token": "device-token-2",
		"type":  "carrier-pigeon",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = agent.do(t, http.MethodDelete, "/v1/push/tokens", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
