// Package dashboard serves the operator UI and its JSON API: message log
// views, summary counters, log tail, CSV export, pipeline simulation, and
// the backup/clear admin actions.
package dashboard

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hefzhail/botops/internal/backup"
	"github.com/hefzhail/botops/internal/bot"
	"github.com/hefzhail/botops/internal/log"
	"github.com/hefzhail/botops/internal/logtail"
	"github.com/hefzhail/botops/internal/ratelimit"
	"github.com/hefzhail/botops/internal/storage"
	"github.com/hefzhail/botops/internal/version"
	"github.com/hefzhail/botops/internal/xerrors"
)

const (
	defaultMessageLimit = 200
	maxMessageLimit     = 2000
	defaultLogLines     = 200
	maxLogLines         = 2000
)

// Options configures the dashboard API.
type Options struct {
	Logger    log.Logger
	Store     *storage.Store
	Processor *bot.Processor
	Limiter   *ratelimit.Limiter

	// Uploader pushes backup snapshots to S3 when configured; nil keeps
	// backups local-only.
	Uploader *backup.Uploader

	// LogFile backs the logs tab; empty serves an empty tail.
	LogFile string

	// Advertised limiter thresholds for the summary card.
	RatePerMinute int
	RatePerHour   int

	// OnAdminOp fires per admin action, with the op name and outcome.
	OnAdminOp func(op string, ok bool)
}

// API is the dashboard's JSON surface.
type API struct {
	opts   Options
	logger log.Logger
}

// NewAPI validates the collaborators and builds the handler set.
func NewAPI(opts Options) (*API, error) {
	if opts.Store == nil {
		return nil, xerrors.New("dashboard: Store is required")
	}
	if opts.Processor == nil {
		return nil, xerrors.New("dashboard: Processor is required")
	}
	if opts.Limiter == nil {
		return nil, xerrors.New("dashboard: Limiter is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &API{opts: opts, logger: opts.Logger}, nil
}

// RegisterRoutes attaches the API endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/api/version", api.HandleVersion)
	r.Get("/api/messages", api.HandleMessages)
	r.Get("/api/summary", api.HandleSummary)
	r.Get("/api/logs", api.HandleLogs)
	r.Get("/api/export.csv", api.HandleExportCSV)
	r.Post("/api/simulate", api.HandleSimulate)
	r.Post("/api/ops/backup", api.HandleBackup)
	r.Post("/api/ops/clear", api.HandleClear)
}

// HandleVersion serves build identity for the UI header.
func (api *API) HandleVersion(w http.ResponseWriter, r *http.Request) {
	vi := version.Get()
	api.writeJSON(r.Context(), w, http.StatusOK, map[string]string{
		"app":     version.AppName,
		"version": vi.Version,
		"commit":  vi.Commit,
	})
}

type messageView struct {
	Timestamp string `json:"timestamp"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Intent    string `json:"intent"`
	Message   string `json:"message"`
	Reply     string `json:"reply"`
}

// HandleMessages serves the message log, newest first.
func (api *API) HandleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", defaultMessageLimit, maxMessageLimit)

	recs, err := api.opts.Store.List(ctx)
	if err != nil {
		api.serveError(ctx, w, err, "list messages")
		return
	}

	views := make([]messageView, 0, min(limit, len(recs)))
	for i := len(recs) - 1; i >= 0 && len(views) < limit; i-- {
		rec := recs[i]
		views = append(views, messageView{
			Timestamp: rec.Timestamp.Format("2006-01-02 15:04:05"),
			UserID:    rec.UserID,
			Username:  rec.Username,
			Intent:    rec.Intent,
			Message:   rec.Message,
			Reply:     rec.Reply,
		})
	}

	api.writeJSON(ctx, w, http.StatusOK, map[string]any{
		"messages": views,
		"total":    len(recs),
	})
}

// HandleSummary aggregates the log and limiter state for the summary tab.
func (api *API) HandleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recs, err := api.opts.Store.List(ctx)
	if err != nil {
		api.serveError(ctx, w, err, "summarize messages")
		return
	}

	byIntent := map[string]int{}
	byUser := map[string]int{}
	for _, rec := range recs {
		byIntent[rec.Intent]++
		name := rec.Username
		if name == "" {
			name = strconv.FormatInt(rec.UserID, 10)
		}
		byUser[name]++
	}

	api.writeJSON(ctx, w, http.StatusOK, map[string]any{
		"total_messages":     len(recs),
		"by_intent":          byIntent,
		"by_user":            byUser,
		"tracked_identities": api.opts.Limiter.Tracked(),
		"rate_per_minute":    api.opts.RatePerMinute,
		"rate_per_hour":      api.opts.RatePerHour,
		"data_format":        api.opts.Store.DataFormat(),
		"data_file":          api.opts.Store.DataFile(),
	})
}

// HandleLogs serves the tail of the server log file.
func (api *API) HandleLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n := queryInt(r, "lines", defaultLogLines, maxLogLines)

	var lines []string
	if api.opts.LogFile != "" {
		var err error
		lines, err = logtail.Tail(api.opts.LogFile, n)
		if err != nil {
			api.serveError(ctx, w, err, "tail log file")
			return
		}
	}
	if lines == nil {
		lines = []string{}
	}
	api.writeJSON(ctx, w, http.StatusOK, map[string]any{"lines": lines})
}

// HandleExportCSV streams the full message log as a CSV download.
func (api *API) HandleExportCSV(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="messages.csv"`)
	if err := api.opts.Store.WriteCSV(ctx, w); err != nil {
		// Headers are already gone; log and cut the stream.
		api.logger.Error(ctx, err, "csv export failed")
		api.fireAdminOp("export", false)
		return
	}
	api.fireAdminOp("export", true)
}

type simulateRequest struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// HandleSimulate feeds a message through the full bot pipeline. A denied
// message comes back as 429 with the window and retry-after, mirroring
// what a throttled Telegram user experiences.
func (api *API) HandleSimulate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.UserID == 0 || req.Text == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "user_id and text are required"})
		return
	}

	out, err := api.opts.Processor.Process(ctx, req.UserID, req.Username, req.Text)
	if err != nil {
		api.serveError(ctx, w, err, "simulate message")
		return
	}

	if out.Denied {
		api.writeJSON(ctx, w, http.StatusTooManyRequests, map[string]any{
			"denied":              true,
			"window":              string(out.Decision.Window),
			"retry_after_seconds": int(math.Ceil(out.Decision.RetryAfter.Seconds())),
		})
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, map[string]any{
		"denied":           false,
		"intent":           out.Intent,
		"reply":            out.Reply,
		"minute_remaining": out.Decision.MinuteRemaining,
		"hour_remaining":   out.Decision.HourRemaining,
	})
}

// HandleBackup writes a local timestamped copy and, when an uploader is
// configured, pushes a CSV snapshot to S3.
func (api *API) HandleBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	local, err := api.opts.Store.Backup(ctx)
	if err != nil {
		api.fireAdminOp("backup", false)
		api.serveError(ctx, w, err, "backup message log")
		return
	}

	resp := map[string]any{"backup": local}
	if api.opts.Uploader != nil {
		key, err := api.uploadSnapshot(ctx)
		if err != nil {
			// Local copy succeeded; report the remote failure alongside it.
			api.logger.Error(ctx, err, "s3 snapshot upload failed")
			resp["s3_error"] = "upload failed"
		} else {
			resp["s3_key"] = key
		}
	}

	api.fireAdminOp("backup", true)
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) uploadSnapshot(ctx context.Context) (string, error) {
	tmp, err := os.CreateTemp("", "botops-snapshot-*.csv")
	if err != nil {
		return "", xerrors.Wrap(err, "dashboard: snapshot temp file")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := api.opts.Store.WriteCSV(ctx, tmp); err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return "", xerrors.Wrap(err, "dashboard: rewind snapshot")
	}
	return api.opts.Uploader.Upload(ctx, "messages.csv", tmp)
}

// HandleClear empties the message log.
func (api *API) HandleClear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := api.opts.Store.Clear(ctx); err != nil {
		api.fireAdminOp("clear", false)
		api.serveError(ctx, w, err, "clear message log")
		return
	}

	api.fireAdminOp("clear", true)
	api.logger.Info(ctx, "message log cleared via dashboard")
	api.writeJSON(ctx, w, http.StatusOK, map[string]any{"cleared": true})
}

// helpers

func (api *API) fireAdminOp(op string, ok bool) {
	if api.opts.OnAdminOp != nil {
		api.opts.OnAdminOp(op, ok)
	}
}

func (api *API) serveError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	api.logger.Error(ctx, err, msg)
	api.writeJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

func queryInt(r *http.Request, key string, def, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
