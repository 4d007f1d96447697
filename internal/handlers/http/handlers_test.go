package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/services"
	"liveclass/internal/infrastructure/middleware"
	"liveclass/internal/infrastructure/repositories/memory"
	"liveclass/internal/testutils"
	"liveclass/pkg/config"
	"liveclass/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testAPI struct {
	router   *gin.Engine
	auth     services.AuthService
	registry *services.RoomRegistry
	access   *services.AccessService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()

	pool := services.NewWorkerPool(testutils.NewEngine(), services.WorkerPoolConfig{
		Count:      1,
		ListenIP:   "127.0.0.1",
		MinPort:    40000,
		MaxPort:    40999,
		DeathGrace: 10 * time.Millisecond,
		Retry:      retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, nil, logger)
	pool.SetFatalHandler(func() { t.Errorf("unexpected fatal exit") })
	require.NoError(t, pool.Initialize(context.Background()))
	t.Cleanup(func() { _ = pool.Close() })

	registry := services.NewRoomRegistry(pool, config.DefaultCodecs(), services.DefaultRoomOptions(), nil, nil, logger)
	repo := memory.NewMemoryClassRepository()
	access := services.NewAccessService(services.AccessClass, repo, time.Minute, logger)
	t.Cleanup(access.Close)
	auth := services.NewAuthService("test-secret", time.Hour)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	api := router.Group("/api/v1", middleware.AuthMiddleware(auth))
	NewRoomsHandler(registry).SetupRoutes(api)
	NewClassesHandler(services.NewClassService(repo, access)).SetupRoutes(api)

	return &testAPI{router: router, auth: auth, registry: registry, access: access}
}

func (a *testAPI) do(t *testing.T, user domain.UserID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := a.auth.GenerateToken(domain.Identity{UserID: user})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestRoutes_RequireAuthentication(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/api/v1/rooms", "/api/v1/classes/any"} {
		w := api.do(t, "", http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestRoomsHandler_ListRoomsAndPeers(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	_, err := api.registry.JoinRoom(ctx, "physics", services.PeerSpec{ConnID: "c1", UserID: "u1", Name: "Uma", Role: domain.RoleHost})
	require.NoError(t, err)
	t.Cleanup(func() { api.registry.Close(context.Background()) })

	w := api.do(t, "u1", http.MethodGet, "/api/v1/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Rooms []domain.RoomSummary `json:"rooms"`
		Count int                  `json:"count"`
	}
	decode(t, w, &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, domain.RoomID("physics"), listing.Rooms[0].RoomID)
	assert.Equal(t, 1, listing.Rooms[0].Peers)

	w = api.do(t, "u1", http.MethodGet, "/api/v1/rooms/physics/peers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var peers struct {
		RoomID domain.RoomID     `json:"roomId"`
		Peers  []domain.PeerInfo `json:"peers"`
	}
	decode(t, w, &peers)
	require.Len(t, peers.Peers, 1)
	assert.Equal(t, domain.UserID("u1"), peers.Peers[0].UserID)
	assert.Equal(t, domain.RoleHost, peers.Peers[0].Role)

	w = api.do(t, "u1", http.MethodGet, "/api/v1/rooms/missing/peers", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClassesHandler_Lifecycle(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, "teacher", http.MethodPost, "/api/v1/classes", gin.H{"title": "Chemistry", "participants": []string{"s1"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Class domain.Class `json:"class"`
	}
	decode(t, w, &created)
	assert.Equal(t, domain.UserID("teacher"), created.Class.TeacherID)
	assert.NotEmpty(t, created.Class.RoomID)
	assert.Equal(t, []domain.UserID{"s1"}, created.Class.Participants)

	classPath := "/api/v1/classes/" + created.Class.ID

	w = api.do(t, "s1", http.MethodGet, classPath, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// only the teacher may enroll
	w = api.do(t, "s1", http.MethodPost, classPath+"/participants", gin.H{"userId": "s2"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	_, err := api.access.AuthorizeRoom(context.Background(), domain.Identity{UserID: "s2"}, created.Class.RoomID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	w = api.do(t, "teacher", http.MethodPost, classPath+"/participants", gin.H{"userId": "s2"})
	require.Equal(t, http.StatusOK, w.Code)

	var updated struct {
		Class domain.Class `json:"class"`
	}
	decode(t, w, &updated)
	assert.True(t, updated.Class.HasParticipant("s2"))

	role, err := api.access.AuthorizeRoom(context.Background(), domain.Identity{UserID: "s2"}, created.Class.RoomID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleParticipant, role)
}

func TestClassesHandler_Errors(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, "teacher", http.MethodPost, "/api/v1/classes", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, "teacher", http.MethodPost, "/api/v1/classes", gin.H{"title": "Art", "roomId": "bad room"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, "teacher", http.MethodPost, "/api/v1/classes", gin.H{"title": "Art", "roomId": "art-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = api.do(t, "teacher", http.MethodPost, "/api/v1/classes", gin.H{"title": "Art 2", "roomId": "art-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, "teacher", http.MethodGet, "/api/v1/classes/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, "teacher", http.MethodPost, "/api/v1/classes/missing/participants", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
