package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/sitealert/pkg/database"
	"github.com/nao1215/sitealert/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// recordingAuditor は登録されたユーザーを記録するAuditor。
type recordingAuditor struct {
	mu    sync.Mutex
	users []string
}

func (a *recordingAuditor) UserRegistered(_ context.Context, u *User) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users = append(a.users, u.ID)
	return nil
}

// newTestServer はインメモリSQLiteを使うテスト用のディレクトリサーバーを生成する。
func newTestServer(t *testing.T) (*Server, *recordingAuditor) {
	t.Helper()

	db, err := database.Open(t.Context(), database.MemoryPath, Migrations, MigrationsDir)
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	auditor := &recordingAuditor{}
	s := NewServer(ServerOptions{Port: "0", JWTSecret: testJWTSecret, DevAuthEnabled: true}, NewStore(db), auditor)
	return s, auditor
}

// seedUser はテスト用のユーザーを登録する。
func seedUser(t *testing.T, s *Server, email, role string, active bool) *User {
	t.Helper()
	u := &User{Email: email, DisplayName: strings.Split(email, "@")[0], Role: role, Active: active}
	if err := s.store.Create(t.Context(), u); err != nil {
		t.Fatalf("テスト用ユーザーの登録に失敗: %v", err)
	}
	return u
}

func doJSON(s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	s.Handler().ServeHTTP(w, req)
	return w
}

// TestHandleDevToken は開発用トークン発行ハンドラのテスト。
func TestHandleDevToken(t *testing.T) {
	t.Parallel()

	t.Run("新規ユーザーの場合に役割付きのトークンを発行する", func(t *testing.T) {
		t.Parallel()

		s, auditor := newTestServer(t)
		w := doJSON(s, http.MethodPost, "/auth/dev-token",
			`{"email":"Sato@Example.com","display_name":"佐藤","role":"safety_officer"}`, "")

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
		var result map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result["token"] == "" || result["user_id"] == "" {
			t.Fatalf("tokenまたはuser_idが空: %v", result)
		}
		if len(auditor.users) != 1 || auditor.users[0] != result["user_id"] {
			t.Errorf("監査イベント: got %v", auditor.users)
		}

		// 発行されたトークンで役割が検証できることを確認する
		verifyRouter := gin.New()
		verifyRouter.Use(middleware.JWTAuth(testJWTSecret), middleware.RequireRole("safety_officer"))
		verifyRouter.GET("/verify", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"user_id": middleware.GetUserID(c)})
		})
		w2 := httptest.NewRecorder()
		req2 := httptest.NewRequest(http.MethodGet, "/verify", nil)
		req2.Header.Set("Authorization", "Bearer "+result["token"])
		verifyRouter.ServeHTTP(w2, req2)
		if w2.Code != http.StatusOK {
			t.Errorf("トークン検証ステータスコード: got %d, want %d", w2.Code, http.StatusOK)
		}
	})

	t.Run("既存ユーザーの場合に同じuser_idでトークンを発行する", func(t *testing.T) {
		t.Parallel()

		s, auditor := newTestServer(t)
		existing := seedUser(t, s, "dev@example.com", "builder", true)

		w := doJSON(s, http.MethodPost, "/auth/dev-token", `{"email":"dev@example.com","role":"site_manager"}`, "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		var result map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result["user_id"] != existing.ID {
			t.Errorf("user_id: got %q, want %q", result["user_id"], existing.ID)
		}
		if result["role"] != "site_manager" {
			t.Errorf("role: got %q, want site_manager", result["role"])
		}
		if len(auditor.users) != 0 {
			t.Errorf("既存ユーザーで監査イベントが記録された: %v", auditor.users)
		}
	})

	t.Run("無効化されたユーザーには発行しない", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t)
		seedUser(t, s, "off@example.com", "builder", false)

		w := doJSON(s, http.MethodPost, "/auth/dev-token", `{"email":"off@example.com","role":"builder"}`, "")
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("未知の役割は400を返す", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t)
		w := doJSON(s, http.MethodPost, "/auth/dev-token", `{"email":"x@example.com","role":"plumber"}`, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("無効化されている場合はエンドポイントが存在しない", func(t *testing.T) {
		t.Parallel()

		db, err := database.Open(t.Context(), database.MemoryPath, Migrations, MigrationsDir)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = db.Close() })
		s := NewServer(ServerOptions{JWTSecret: testJWTSecret}, NewStore(db), nil)

		w := doJSON(s, http.MethodPost, "/auth/dev-token", `{"email":"x@example.com","role":"admin"}`, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleGetCurrentUser は認証済みユーザー情報取得ハンドラのテスト。
func TestHandleGetCurrentUser(t *testing.T) {
	t.Parallel()

	t.Run("認証済みユーザーの情報を返す", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t)
		u := seedUser(t, s, "test@example.com", "architect", true)
		token, err := middleware.GenerateJWT(testJWTSecret, u.ID, u.Email, u.Role)
		if err != nil {
			t.Fatal(err)
		}

		w := doJSON(s, http.MethodGet, "/api/v1/me", "", token)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		var result map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if result["id"] != u.ID || result["email"] != "test@example.com" || result["role"] != "architect" {
			t.Errorf("レスポンス: got %v", result)
		}
	})

	t.Run("認証ヘッダーが無い場合は401を返す", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t)
		w := doJSON(s, http.MethodGet, "/api/v1/me", "", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("存在しないユーザーの場合は404を返す", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t)
		token, _ := middleware.GenerateJWT(testJWTSecret, "ghost", "ghost@example.com", "admin")
		w := doJSON(s, http.MethodGet, "/api/v1/me", "", token)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleFindUsers は役割によるユーザー検索のテスト。
func TestHandleFindUsers(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	client := seedUser(t, s, "client@example.com", "client", true)
	admin := seedUser(t, s, "admin@example.com", "admin", true)
	seedUser(t, s, "former@example.com", "client", false)
	seedUser(t, s, "builder@example.com", "builder", true)

	decode := func(t *testing.T, w *httptest.ResponseRecorder) []User {
		t.Helper()
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
		var users []User
		if err := json.Unmarshal(w.Body.Bytes(), &users); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		return users
	}

	t.Run("有効なユーザーだけを返す", func(t *testing.T) {
		t.Parallel()
		users := decode(t, doJSON(s, http.MethodGet, "/api/v1/internal/users?roles=client,admin", "", ""))
		if len(users) != 2 {
			t.Fatalf("件数: got %d, want 2", len(users))
		}
		got := map[string]bool{users[0].ID: true, users[1].ID: true}
		if !got[client.ID] || !got[admin.ID] {
			t.Errorf("ユーザー: got %v", users)
		}
	})

	t.Run("active=falseの場合は無効なユーザーも返す", func(t *testing.T) {
		t.Parallel()
		users := decode(t, doJSON(s, http.MethodGet, "/api/v1/internal/users?roles=client&active=false", "", ""))
		if len(users) != 2 {
			t.Errorf("件数: got %d, want 2", len(users))
		}
	})

	t.Run("該当者がいない場合は空配列", func(t *testing.T) {
		t.Parallel()
		users := decode(t, doJSON(s, http.MethodGet, "/api/v1/internal/users?roles=architect", "", ""))
		if users == nil || len(users) != 0 {
			t.Errorf("ユーザー: got %v, want []", users)
		}
	})

	t.Run("rolesが無い場合は400", func(t *testing.T) {
		t.Parallel()
		w := doJSON(s, http.MethodGet, "/api/v1/internal/users?roles=,", "", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleCreateUser はユーザー登録ハンドラのテスト。
func TestHandleCreateUser(t *testing.T) {
	t.Parallel()

	t.Run("ユーザーを登録する", func(t *testing.T) {
		t.Parallel()

		s, auditor := newTestServer(t)
		w := doJSON(s, http.MethodPost, "/api/v1/internal/users",
			`{"email":"new@example.com","display_name":"新人","role":"builder"}`, "")
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}
		var u User
		if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
			t.Fatal(err)
		}
		if u.ID == "" || !u.Active || u.Role != "builder" {
			t.Errorf("登録されたユーザー: got %+v", u)
		}
		if len(auditor.users) != 1 {
			t.Errorf("監査イベント数: got %d, want 1", len(auditor.users))
		}
	})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "メールアドレスが不正", body: `{"email":"not-an-email","role":"builder"}`, want: http.StatusBadRequest},
		{name: "役割が無い", body: `{"email":"a@example.com"}`, want: http.StatusBadRequest},
		{name: "メールアドレスが重複", body: `{"email":"taken@example.com","role":"admin"}`, want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, _ := newTestServer(t)
			seedUser(t, s, "taken@example.com", "client", true)
			w := doJSON(s, http.MethodPost, "/api/v1/internal/users", tt.body, "")
			if w.Code != tt.want {
				t.Errorf("ステータスコード: got %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// TestHandleSetActive は有効フラグ更新ハンドラのテスト。
func TestHandleSetActive(t *testing.T) {
	t.Parallel()

	t.Run("無効化すると検索結果から外れる", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t)
		u := seedUser(t, s, "leaving@example.com", "site_manager", true)

		w := doJSON(s, http.MethodPut, "/api/v1/internal/users/"+u.ID+"/active", `{"active":false}`, "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		users, err := s.store.FindByRoles(t.Context(), []string{"site_manager"}, true)
		if err != nil {
			t.Fatal(err)
		}
		if len(users) != 0 {
			t.Errorf("無効化したユーザーが検索された: %v", users)
		}
	})

	t.Run("activeが無い場合は400", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t)
		u := seedUser(t, s, "x@example.com", "admin", true)
		w := doJSON(s, http.MethodPut, "/api/v1/internal/users/"+u.ID+"/active", `{}`, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("存在しないユーザーは404", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t)
		w := doJSON(s, http.MethodPut, "/api/v1/internal/users/missing/active", `{"active":true}`, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHealthCheck はヘルスチェックエンドポイントのテスト。
func TestHealthCheck(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	w := doJSON(s, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"service":"directory"`) {
		t.Errorf("body: got %s", w.Body.String())
	}
}
