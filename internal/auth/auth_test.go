package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qualys/nhi/internal/models"
)

type memStore struct {
	users   map[string]*User
	tokens  map[string]bool
	members map[string]ProjectRole
}

func newMemStore() *memStore {
	return &memStore{users: map[string]*User{}, tokens: map[string]bool{}, members: map[string]ProjectRole{}}
}

func (m *memStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, models.ErrNotFound
}

func (m *memStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memStore) CreateUser(ctx context.Context, user *User) error {
	m.users[user.ID] = user
	return nil
}

func (m *memStore) StoreRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	m.tokens[userID+"|"+token] = true
	return nil
}

func (m *memStore) ValidateRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	return m.tokens[userID+"|"+token], nil
}

func (m *memStore) RevokeRefreshToken(ctx context.Context, userID, token string) error {
	delete(m.tokens, userID+"|"+token)
	return nil
}

func (m *memStore) RevokeAllRefreshTokens(ctx context.Context, userID string) error {
	m.tokens = map[string]bool{}
	return nil
}

func (m *memStore) GetProjectRole(ctx context.Context, projectID, userID string) (ProjectRole, error) {
	if r, ok := m.members[projectID+"|"+userID]; ok {
		return r, nil
	}
	return "", models.ErrNotFound
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	store.users["u1"] = &User{ID: "u1", OrgID: "org-1", Email: "ops@example.com", Password: hash, Role: RoleMember}
	return NewService(Config{JWTSecret: "test-secret"}, store), store
}

func TestService_LoginAndValidate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "ops@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: want ErrInvalidCredentials, got %v", err)
	}

	pair, err := svc.Login(ctx, "ops@example.com", "s3cret")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	claims, err := svc.ValidateToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != "u1" || claims.OrgID != "org-1" {
		t.Errorf("unexpected claims: %+v", claims)
	}

	other := NewService(Config{JWTSecret: "other"}, newMemStore())
	if _, err := other.ValidateToken(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign secret: want ErrInvalidToken, got %v", err)
	}
}

func TestService_RefreshRotatesToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, "ops@example.com", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RefreshTokens(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("RefreshTokens failed: %v", err)
	}
	if _, err := svc.RefreshTokens(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("reused refresh token: want ErrInvalidToken, got %v", err)
	}
}

func TestService_TokenUseIsEnforced(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, " OPS@example.com ", "s3cret")
	if err != nil {
		t.Fatalf("Login with unnormalised email failed: %v", err)
	}
	if _, err := svc.RefreshTokens(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("access token as refresh token: want ErrInvalidToken, got %v", err)
	}

	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("refresh token as bearer: status = %d, want 401", rec.Code)
	}
}

func TestService_ExpiredToken(t *testing.T) {
	svc, _ := newTestService(t)
	pair, err := svc.Login(context.Background(), "ops@example.com", "s3cret")
	if err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := svc.ValidateToken(pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("want ErrTokenExpired, got %v", err)
	}
}

func TestMiddleware_SetsActor(t *testing.T) {
	svc, _ := newTestService(t)
	pair, err := svc.Login(context.Background(), "ops@example.com", "s3cret")
	if err != nil {
		t.Fatal(err)
	}

	var actor models.Actor
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = ActorFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"bad scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"valid", "Bearer " + pair.AccessToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if actor.Type != models.ActorTypeUser || actor.ID != "u1" || actor.OrgID != "org-1" {
		t.Errorf("unexpected actor: %+v", actor)
	}
}

func TestPermissionChecker_Authorize(t *testing.T) {
	store := newMemStore()
	store.members["p1|viewer"] = ProjectRoleViewer
	store.members["p1|member"] = ProjectRoleMember
	store.members["p1|admin"] = ProjectRoleAdmin
	checker := NewPermissionChecker(store)

	user := func(id string) models.Actor { return models.Actor{Type: models.ActorTypeUser, ID: id} }

	tests := []struct {
		name    string
		actor   models.Actor
		project string
		action  Action
		allowed bool
	}{
		{"viewer reads", user("viewer"), "p1", ActionRead, true},
		{"viewer cannot scan", user("viewer"), "p1", ActionScan, false},
		{"member scans", user("member"), "p1", ActionScan, true},
		{"member remediates", user("member"), "p1", ActionRemediate, true},
		{"member cannot manage", user("member"), "p1", ActionManage, false},
		{"admin manages", user("admin"), "p1", ActionManage, true},
		{"non-member", user("admin"), "p2", ActionRead, false},
		{"anonymous", user(""), "p1", ActionRead, false},
		{"scheduler", models.Actor{Type: models.ActorTypeSchedule, ID: "admin"}, "p1", ActionRead, false},
		{"service", models.Actor{Type: models.ActorTypeService, ID: "nhictl"}, "p2", ActionManage, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.Authorize(context.Background(), tt.actor, tt.project, tt.action)
			if tt.allowed && err != nil {
				t.Errorf("want allowed, got %v", err)
			}
			if !tt.allowed && !errors.Is(err, ErrForbidden) {
				t.Errorf("want ErrForbidden, got %v", err)
			}
		})
	}
}
