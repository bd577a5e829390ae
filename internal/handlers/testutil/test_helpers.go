package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/couentine/badgekit/internal/api"
	"github.com/couentine/badgekit/internal/app"
	iauth "github.com/couentine/badgekit/internal/auth"
	sharedtestutil "github.com/couentine/badgekit/internal/database/testutil"
	"github.com/couentine/badgekit/internal/jobs"
	"github.com/couentine/badgekit/internal/models"
	"github.com/couentine/badgekit/internal/realtime"
	"github.com/couentine/badgekit/internal/services"
	"github.com/couentine/badgekit/pkg/crypto"
	"github.com/couentine/badgekit/pkg/response"
)

// Env encapsulates a fully-wired API instance backed by an in-memory database
// for handler tests.
type Env struct {
	T      *testing.T
	DB     *gorm.DB
	Router *gin.Engine
	JWT    *iauth.JWTService
	Queue  *jobs.Queue

	Groups     *services.GroupService
	Badges     *services.BadgeService
	Portfolios *services.PortfolioService
	Ledger     *services.LedgerService
}

// NewEnv provisions a fresh handler test environment with migrations applied.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "test-suite-super-secret-key-32-bytes!!",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	queue, err := jobs.NewQueue(db)
	require.NoError(t, err)

	propagation, err := services.NewPropagationService(db)
	require.NoError(t, err)

	dispatcher, err := services.NewEventDispatcher(propagation, queue)
	require.NoError(t, err)

	portfolios, err := services.NewPortfolioService(db, dispatcher)
	require.NoError(t, err)

	ledger, err := services.NewLedgerService(db, dispatcher)
	require.NoError(t, err)

	badges, err := services.NewBadgeService(db, portfolios)
	require.NoError(t, err)

	groups, err := services.NewGroupService(db, portfolios)
	require.NoError(t, err)

	users, err := services.NewUserService(db)
	require.NoError(t, err)

	notifications, err := services.NewNotificationService(db, nil, nil)
	require.NoError(t, err)

	hub := realtime.NewHub()
	dispatcher.SetNotifier(notifications)
	dispatcher.SetRealtime(hub)

	cfg := &app.Config{}
	cfg.Monitoring.Prometheus.Enabled = false

	router, err := api.NewRouter(cfg, jwtSvc, api.Deps{
		Users:         users,
		Groups:        groups,
		Badges:        badges,
		Portfolios:    portfolios,
		Ledger:        ledger,
		Notifications: notifications,
		Hub:           hub,
	})
	require.NoError(t, err)

	return &Env{
		T:          t,
		DB:         db,
		Router:     router,
		JWT:        jwtSvc,
		Queue:      queue,
		Groups:     groups,
		Badges:     badges,
		Portfolios: portfolios,
		Ledger:     ledger,
	}
}

// CreateUser inserts an active user with a random username and returns it.
func (e *Env) CreateUser(password string, admin bool) *models.User {
	e.T.Helper()

	username := "user-" + uuid.NewString()[:8]
	hashed, err := crypto.HashPassword(password)
	require.NoError(e.T, err)

	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: hashed,
		IsActive: true,
		IsAdmin:  admin,
	}
	require.NoError(e.T, e.DB.Create(user).Error)
	return user
}

// TokenFor issues an access token for the given user without going through
// the login endpoint.
func (e *Env) TokenFor(user *models.User) string {
	e.T.Helper()

	token, err := e.JWT.GenerateAccessToken(iauth.AccessTokenInput{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		IsAdmin:  user.IsAdmin,
	})
	require.NoError(e.T, err)
	return token
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON
// encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(e.T, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, path, reader)
	require.NoError(e.T, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
