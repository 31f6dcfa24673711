package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/auth"
	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/MarcoPoloResearchLab/coedit/internal/realtime"
	"github.com/MarcoPoloResearchLab/coedit/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testTicketSecret = "test-ticket-secret"
	expiredToken     = "expired"
	invalidToken     = "invalid"
)

// stubSessionValidator treats the bearer token as the user id.
type stubSessionValidator struct{}

func (stubSessionValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	switch token {
	case "":
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	case expiredToken:
		return auth.SessionClaims{}, auth.ErrExpiredSessionToken
	case invalidToken:
		return auth.SessionClaims{}, auth.ErrInvalidSessionToken
	}
	return auth.SessionClaims{UserID: token}, nil
}

type stubUserResolver struct{}

func (stubUserResolver) ResolveCanonicalUserID(_ context.Context, claims auth.SessionClaims) (string, error) {
	return claims.UserID, nil
}

func (stubUserResolver) Profile(_ context.Context, userID string) (users.Identity, error) {
	if userID == "" {
		return users.Identity{}, users.ErrUnknownUser
	}
	return users.Identity{Provider: "tauth", UserID: userID}, nil
}

type countingFrameLimits struct {
	mu    sync.Mutex
	count int
}

func (c *countingFrameLimits) RecordRateLimited() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
}

func (c *countingFrameLimits) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%03d", p.next), nil
}

type testEnvironment struct {
	handler     http.Handler
	store       *documents.Store
	coordinator *documents.Coordinator
	registry    *realtime.Registry
	tickets     *auth.TicketIssuer
	frameLimits *countingFrameLimits
}

type environmentOption func(*Dependencies)

func newTestEnvironment(t *testing.T, options ...environmentOption) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(documents.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := documents.NewStore(documents.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	coordinator, err := documents.NewCoordinator(documents.CoordinatorConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	registry := realtime.NewRegistry(realtime.RegistryConfig{})
	relay, err := realtime.NewRelay(realtime.RelayConfig{Registry: registry})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	tickets, err := auth.NewTicketIssuer(auth.TicketIssuerConfig{SigningSecret: []byte(testTicketSecret)})
	if err != nil {
		t.Fatalf("failed to construct ticket issuer: %v", err)
	}
	frameLimits := &countingFrameLimits{}

	deps := Dependencies{
		SessionValidator: stubSessionValidator{},
		Users:            stubUserResolver{},
		Tickets:          tickets,
		Store:            store,
		Coordinator:      coordinator,
		Registry:         registry,
		Relay:            relay,
		FrameLimits:      frameLimits,
		Logger:           zap.NewNop(),
	}
	for _, option := range options {
		option(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testEnvironment{
		handler:     handler,
		store:       store,
		coordinator: coordinator,
		registry:    registry,
		tickets:     tickets,
		frameLimits: frameLimits,
	}
}

func (env *testEnvironment) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+userID)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func (env *testEnvironment) createDocument(t *testing.T, owner, content string, isPublic bool) documents.Document {
	t.Helper()
	document, err := env.store.Create(context.Background(), documents.CreateRequest{
		Title:   "notes",
		Content: content,
		Owner:   documents.UserID(owner),
	})
	if err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	if isPublic {
		document, err = env.store.SetVisibility(context.Background(), document.ID, document.Owner, true)
		if err != nil {
			t.Fatalf("failed to publish document: %v", err)
		}
	}
	return document
}

func decodeJSON[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func errorCodeOf(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeJSON[map[string]string](t, recorder)["error"]
}
