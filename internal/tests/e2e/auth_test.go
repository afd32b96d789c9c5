//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/truststaff/apiserver/config"
	"github.com/truststaff/apiserver/internal/db"
	"github.com/truststaff/apiserver/internal/server"
	"go.uber.org/zap"
)

const (
	serverPort = 18080
)

var baseURL = fmt.Sprintf("http://localhost:%d", serverPort)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	setTestEnv()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}

	if err := dockerCompose(ctx, root, "up", "-d"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	if err := waitForPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(root); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srv, err := startServer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		shutdown()
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	shutdown()
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

func TestEmployerJourney(t *testing.T) {
	email := fmt.Sprintf("employer_%d@example.com", time.Now().UnixNano())
	password := "testpass123!"

	resp := postJSON(t, "/api/register", map[string]string{"name": "Test Employer", "email": strings.ToUpper(email), "password": password}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, readBody(t, resp))

	token := queryString(t, `SELECT email_verification_token FROM pending_users WHERE email = $1`, email)
	resp = get(t, "/api/verify?token="+token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, readBody(t, resp))

	resp = postJSON(t, "/api/auth/login", map[string]string{"email": email, "password": password}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, readBody(t, resp))

	code := queryString(t, `SELECT twofa_code FROM users WHERE email = $1`, email)
	resp = postJSON(t, "/api/auth/verify-2fa", map[string]string{"email": email, "code": code}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var auth struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&auth))
	resp.Body.Close()
	require.NotEmpty(t, auth.Token)

	resp = postJSON(t, "/api/auth/verify-2fa", map[string]string{"email": email, "code": code}, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "a code verifies once")
	resp.Body.Close()

	resp = get(t, "/api/employer", auth.Token)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/onboarding", resp.Header.Get("Location"))
	resp.Body.Close()

	resp = submitOnboarding(t, auth.Token)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, readBody(t, resp))

	adminEmail := fmt.Sprintf("admin_%d@example.com", time.Now().UnixNano())
	adminToken := registerAndLogin(t, adminEmail, password)
	execSQL(t, `UPDATE users SET role = 'admin' WHERE email = $1`, adminEmail)

	userID := queryString(t, `SELECT id::text FROM users WHERE email = $1`, email)
	resp = postJSON(t, "/api/admin/approve/"+userID, nil, adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode, readBody(t, resp))

	resp = get(t, "/api/employer", auth.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode, readBody(t, resp))
}

func TestLoginBruteForce(t *testing.T) {
	email := fmt.Sprintf("victim_%d@example.com", time.Now().UnixNano())
	ip := "198.51.100.23"
	for i := 0; i < 10; i++ {
		resp := loginFrom(t, email, "wrong", ip)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
	resp := loginFrom(t, email, "wrong", ip)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

// loginFrom sets X-Real-IP so the failures do not count against other tests
// sharing the loopback address. Loopback is a trusted proxy in this setup.
func loginFrom(t *testing.T, email, password, ip string) *http.Response {
	t.Helper()
	data, err := json.Marshal(map[string]string{"email": email, "password": password})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/auth/login", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Real-IP", ip)
	resp, err := noRedirect.Do(req)
	require.NoError(t, err)
	return resp
}

func registerAndLogin(t *testing.T, email, password string) string {
	t.Helper()
	resp := postJSON(t, "/api/register", map[string]string{"name": "Test Admin", "email": email, "password": password}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, readBody(t, resp))
	token := queryString(t, `SELECT email_verification_token FROM pending_users WHERE email = $1`, email)
	resp = get(t, "/api/verify?token="+token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, readBody(t, resp))

	resp = postJSON(t, "/api/auth/login", map[string]string{"email": email, "password": password}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, readBody(t, resp))
	code := queryString(t, `SELECT twofa_code FROM users WHERE email = $1`, email)
	resp = postJSON(t, "/api/auth/verify-2fa", map[string]string{"email": email, "code": code}, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var auth struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&auth))
	return auth.Token
}

func submitOnboarding(t *testing.T, token string) *http.Response {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("company_name", "Acme d.o.o."))
	require.NoError(t, mw.WriteField("city", "Zagreb"))
	require.NoError(t, mw.WriteField("tax_id", "12345678901"))
	part, err := mw.CreateFormFile("document", "passport.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.7 test document"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/onboarding", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

var noRedirect = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

func postJSON(t *testing.T, path string, payload any, token string) *http.Response {
	t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, baseURL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := noRedirect.Do(req)
	require.NoError(t, err)
	return resp
}

func get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := noRedirect.Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("postgres", db.PostgresURL(config.LoadConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func queryString(t *testing.T, query string, args ...any) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var value string
	require.NoError(t, openDB(t).QueryRowContext(ctx, query, args...).Scan(&value))
	return value
}

func execSQL(t *testing.T, query string, args ...any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := openDB(t).ExecContext(ctx, query, args...)
	require.NoError(t, err)
}

func setTestEnv() {
	_ = os.Setenv("JWT_SECRET", "test-secret")
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("DB_HOST", "localhost")
	_ = os.Setenv("DB_PORT", "5432")
	_ = os.Setenv("DB_USER", "truststaff")
	_ = os.Setenv("DB_PASSWORD", "password")
	_ = os.Setenv("DB_NAME", "truststaff_db")
	_ = os.Setenv("DB_SSL", "false")
	_ = os.Setenv("COOKIE_SECURE", "false")
	_ = os.Setenv("RATE_LIMIT_BACKEND", "redis")
	_ = os.Setenv("STORAGE_BACKEND", "minio")
	_ = os.Setenv("MINIO_ACCESS_KEY", "minioadmin")
	_ = os.Setenv("MINIO_SECRET_KEY", "minioadmin")
	_ = os.Setenv("MINIO_BUCKET", "truststaff-e2e")
	_ = os.Setenv("NOTIFY_BACKEND", "log")
	_ = os.Setenv("TRUSTED_PROXIES", "127.0.0.1,::1")
}

func waitForPostgres(ctx context.Context) error {
	conn, err := sql.Open("postgres", db.PostgresURL(config.LoadConfig()))
	if err != nil {
		return err
	}
	defer conn.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := conn.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres ping timeout: %w", err)
		case <-ticker.C:
		}
	}
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}

func runMigrations(root string) error {
	migrationsURL := "file://" + filepath.Join(root, "internal", "db", "migrations")
	migrator, err := migrate.New(migrationsURL, db.PostgresURL(config.LoadConfig()))
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func startServer(ctx context.Context) (*server.Server, error) {
	srv, err := server.New(ctx, config.LoadConfig(), zap.NewNop())
	if err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Start()
	}()

	return srv, nil
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
