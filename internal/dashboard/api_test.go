package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hefzhail/botops/internal/ai"
	"github.com/hefzhail/botops/internal/bot"
	"github.com/hefzhail/botops/internal/ratelimit"
	"github.com/hefzhail/botops/internal/storage"
	"github.com/hefzhail/botops/internal/webassets"
)

type fixture struct {
	api     *API
	router  chi.Router
	store   *storage.Store
	limiter *ratelimit.Limiter

	adminOps []string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := storage.Open(ctx, storage.Options{
		Path: filepath.Join(t.TempDir(), "requests.csv"),
	})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}

	limiter := ratelimit.New(ctx, ratelimit.WithLimits(3, 100))

	proc, err := bot.NewProcessor(bot.Options{
		Limiter:   limiter,
		Responder: ai.NewDummy(),
		Store:     store,
	})
	if err != nil {
		t.Fatalf("bot.NewProcessor: %v", err)
	}

	f := &fixture{store: store, limiter: limiter}
	opts := Options{
		Store:         store,
		Processor:     proc,
		Limiter:       limiter,
		RatePerMinute: 3,
		RatePerHour:   100,
		OnAdminOp: func(op string, ok bool) {
			outcome := "ok"
			if !ok {
				outcome = "error"
			}
			f.adminOps = append(f.adminOps, op+":"+outcome)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	api, err := NewAPI(opts)
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}

	r := chi.NewRouter()
	api.RegisterRoutes(r)
	RegisterUI(r, webassets.DashboardFS())

	f.api = api
	f.router = r
	return f
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	return rec
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func seed(t *testing.T, f *fixture, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := storage.Record{
			Timestamp: time.Date(2025, 5, 1, 8, 0, i, 0, time.Local),
			UserID:    int64(100 + i),
			Username:  "user",
			Intent:    "OTHER",
			Message:   "msg",
			Reply:     "re",
		}
		if err := f.store.Append(context.Background(), rec); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func TestHandleVersion(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get(t, "/api/version")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m := decode(t, rec)
	if m["app"] != "botops" {
		t.Fatalf("app = %v", m["app"])
	}
}

func TestHandleMessages_NewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f, 3)

	rec := f.get(t, "/api/messages")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m := decode(t, rec)
	if m["total"].(float64) != 3 {
		t.Fatalf("total = %v", m["total"])
	}
	msgs := m["messages"].([]any)
	first := msgs[0].(map[string]any)
	if first["user_id"].(float64) != 102 {
		t.Fatalf("first message user_id = %v, want newest (102)", first["user_id"])
	}
}

func TestHandleMessages_LimitApplied(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f, 5)

	rec := f.get(t, "/api/messages?limit=2")
	m := decode(t, rec)
	if len(m["messages"].([]any)) != 2 {
		t.Fatalf("messages = %v", m["messages"])
	}
	if m["total"].(float64) != 5 {
		t.Fatalf("total = %v", m["total"])
	}
}

func TestHandleSummary(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f, 2)

	rec := f.get(t, "/api/summary")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m := decode(t, rec)
	if m["total_messages"].(float64) != 2 {
		t.Fatalf("total_messages = %v", m["total_messages"])
	}
	if m["data_format"] != storage.FormatCSV {
		t.Fatalf("data_format = %v", m["data_format"])
	}
	if m["rate_per_minute"].(float64) != 3 {
		t.Fatalf("rate_per_minute = %v", m["rate_per_minute"])
	}
	byIntent := m["by_intent"].(map[string]any)
	if byIntent["OTHER"].(float64) != 2 {
		t.Fatalf("by_intent = %v", byIntent)
	}
}

func TestHandleLogs(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "server.log")
	if err := os.WriteFile(logFile, []byte("line1\nline2\nline3\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	f := newFixture(t, func(o *Options) { o.LogFile = logFile })

	rec := f.get(t, "/api/logs?lines=2")
	m := decode(t, rec)
	lines := m["lines"].([]any)
	if len(lines) != 2 || lines[1] != "line3" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestHandleLogs_NoFileConfigured(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get(t, "/api/logs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m := decode(t, rec)
	if len(m["lines"].([]any)) != 0 {
		t.Fatalf("lines = %v", m["lines"])
	}
}

func TestHandleExportCSV(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f, 1)

	rec := f.get(t, "/api/export.csv")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "messages.csv") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "timestamp,") || !strings.Contains(body, "100") {
		t.Fatalf("body = %q", body)
	}
	if len(f.adminOps) != 1 || f.adminOps[0] != "export:ok" {
		t.Fatalf("adminOps = %v", f.adminOps)
	}
}

func TestHandleSimulate_Allowed(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.post(t, "/api/simulate", map[string]any{
		"user_id":  55,
		"username": "sim",
		"text":     "أحتاج مساعدة",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	m := decode(t, rec)
	if m["denied"] != false {
		t.Fatalf("denied = %v", m["denied"])
	}
	if m["intent"] != bot.IntentBeneficiaryRequest {
		t.Fatalf("intent = %v", m["intent"])
	}
	if m["reply"] == "" {
		t.Fatal("empty reply")
	}

	recs, _ := f.store.List(context.Background())
	if len(recs) != 1 {
		t.Fatalf("stored %d records", len(recs))
	}
}

func TestHandleSimulate_Denied429(t *testing.T) {
	f := newFixture(t, nil)

	body := map[string]any{"user_id": 9, "text": "hi"}
	for i := 0; i < 3; i++ {
		if rec := f.post(t, "/api/simulate", body); rec.Code != http.StatusOK {
			t.Fatalf("message %d: status = %d", i, rec.Code)
		}
	}

	rec := f.post(t, "/api/simulate", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	m := decode(t, rec)
	if m["denied"] != true {
		t.Fatalf("denied = %v", m["denied"])
	}
	if m["window"] != "minute" {
		t.Fatalf("window = %v", m["window"])
	}
	if m["retry_after_seconds"].(float64) <= 0 {
		t.Fatalf("retry_after_seconds = %v", m["retry_after_seconds"])
	}
}

func TestHandleSimulate_BadRequests(t *testing.T) {
	f := newFixture(t, nil)

	cases := []struct {
		name string
		body any
	}{
		{"missing user id", map[string]any{"text": "hi"}},
		{"missing text", map[string]any{"user_id": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := f.post(t, "/api/simulate", tc.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/simulate", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage body: status = %d, want 400", rec.Code)
	}
}

func TestHandleBackup(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f, 1)

	rec := f.post(t, "/api/ops/backup", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	m := decode(t, rec)
	backupPath, _ := m["backup"].(string)
	if backupPath == "" {
		t.Fatal("no backup path in response")
	}
	if _, err := os.Stat(backupPath); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	if len(f.adminOps) != 1 || f.adminOps[0] != "backup:ok" {
		t.Fatalf("adminOps = %v", f.adminOps)
	}
}

func TestHandleClear(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f, 3)

	rec := f.post(t, "/api/ops/clear", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	recs, _ := f.store.List(context.Background())
	if len(recs) != 0 {
		t.Fatalf("store still has %d records", len(recs))
	}
	if len(f.adminOps) != 1 || f.adminOps[0] != "clear:ok" {
		t.Fatalf("adminOps = %v", f.adminOps)
	}
}

func TestUI_IndexAndAssets(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get(t, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("index status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "botops") {
		t.Fatal("index does not look like the dashboard")
	}

	rec = f.get(t, "/assets/style.css")
	if rec.Code != http.StatusOK {
		t.Fatalf("style.css status = %d", rec.Code)
	}
	rec = f.get(t, "/assets/app.js")
	if rec.Code != http.StatusOK {
		t.Fatalf("app.js status = %d", rec.Code)
	}
}

func TestNewAPI_RequiresCollaborators(t *testing.T) {
	if _, err := NewAPI(Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
}
