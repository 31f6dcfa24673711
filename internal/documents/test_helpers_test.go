package documents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	ownerA         = UserID("user-a")
	collaboratorB  = UserID("user-b")
	outsiderC      = UserID("user-c")
	testBaseSecond = 1700000000
)

type sequentialIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *countingRecorder) RecordSave(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[outcome]++
}

func (r *countingRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
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
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestCoordinator(t *testing.T) (*Store, *Coordinator, *countingRecorder) {
	t.Helper()
	clock := &steppingClock{current: time.Unix(testBaseSecond, 0).UTC()}
	store, err := NewStore(StoreConfig{
		Database:   openTestDatabase(t),
		Clock:      clock.Now,
		IDProvider: &sequentialIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	recorder := &countingRecorder{}
	coordinator, err := NewCoordinator(CoordinatorConfig{Store: store, Recorder: recorder})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return store, coordinator, recorder
}

func mustCreate(t *testing.T, store *Store, request CreateRequest) Document {
	t.Helper()
	document, err := store.Create(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return document
}

func mustSave(t *testing.T, coordinator *Coordinator, request SaveRequest) Document {
	t.Helper()
	document, err := coordinator.Save(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	return document
}
