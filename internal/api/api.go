// Package api provides the HTTP handlers and process entrypoint for
// goaltender's core. It exposes the two transport-facing routes of
// spec.md §6 — POST /process for a free-text turn, POST /callback for a
// button press — and wires the Context Assembler, Intent Parser, Dialog
// State Machine, Intent Dispatcher, Goal Decomposer, and Notification
// Scheduler into one running process.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	promptctx "github.com/ngoalkeeper/goaltender/internal/context"
	"github.com/ngoalkeeper/goaltender/internal/apperr"
	"github.com/ngoalkeeper/goaltender/internal/config"
	"github.com/ngoalkeeper/goaltender/internal/decompose"
	"github.com/ngoalkeeper/goaltender/internal/dialog"
	"github.com/ngoalkeeper/goaltender/internal/dispatch"
	"github.com/ngoalkeeper/goaltender/internal/intent"
	"github.com/ngoalkeeper/goaltender/internal/llm"
	"github.com/ngoalkeeper/goaltender/internal/models"
	"github.com/ngoalkeeper/goaltender/internal/notify"
	"github.com/ngoalkeeper/goaltender/internal/recovery"
	"github.com/ngoalkeeper/goaltender/internal/resultset"
	"github.com/ngoalkeeper/goaltender/internal/scheduler"
	"github.com/ngoalkeeper/goaltender/internal/store"
	"github.com/ngoalkeeper/goaltender/internal/transport"
)

// Default configuration constants, mirroring the teacher's api package.
const (
	DefaultServerAddress  = ":8080"
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultRequestTimeout is spec.md §5's inbound request deadline.
	DefaultRequestTimeout = 30 * time.Second
	// jobPollInterval is how often the durable job runner checks for due
	// jobs (currently just schedule_goal retries, spec.md §C.3 supplement).
	jobPollInterval = 1 * time.Minute
)

// Server holds every dependency one inbound turn touches.
type Server struct {
	st         store.Store
	rs         *resultset.Cache
	assembler  *promptctx.Assembler
	parser     *intent.Parser
	dm         *dialog.Machine
	dispatcher *dispatch.Dispatcher
	notifier   *notify.Notifier
	sched      *scheduler.Scheduler
	stopJobs   context.CancelFunc

	userLocks sync.Map // userID -> *sync.Mutex, spec.md §5 per-user ordering
}

// NewServer builds a Server from already-constructed dependencies. Tests
// and internal/testutil use this directly instead of going through Run.
func NewServer(st store.Store, rs *resultset.Cache, assembler *promptctx.Assembler, parser *intent.Parser, dm *dialog.Machine, dispatcher *dispatch.Dispatcher, notifier *notify.Notifier, sched *scheduler.Scheduler) *Server {
	return &Server{st: st, rs: rs, assembler: assembler, parser: parser, dm: dm, dispatcher: dispatcher, notifier: notifier, sched: sched}
}

// Opts configures the HTTP listener.
type Opts struct {
	Addr string // overrides API_ADDR
}

// Option mutates Opts.
type Option func(*Opts)

// WithAddr overrides the server's listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Run builds every dependency from cfg, starts the scheduler, and serves
// HTTP until an interrupt or SIGTERM arrives, then shuts down gracefully.
// A non-nil return is a fatal startup error; the caller (cmd/goaltender)
// maps it to spec.md §6's exit codes.
func Run(cfg config.Config, apiOpts ...Option) error {
	slog.Debug("API Run invoked", "store_dsn_set", cfg.StoreDSN != "")

	var apiCfg Opts
	for _, opt := range apiOpts {
		opt(&apiCfg)
	}
	addr := apiCfg.Addr
	if addr == "" {
		addr = DefaultServerAddress
	}

	st, err := openStore(cfg.StoreDSN)
	if err != nil {
		return apperr.New(apperr.KindStartupStoreUnreachable, "open store", err)
	}

	llmClient, err := llm.NewClient(
		llm.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
		llm.WithTemperature(cfg.ModelTemperature),
		llm.WithTimeout(time.Duration(cfg.ModelTimeoutMs)*time.Millisecond),
	)
	if err != nil {
		return apperr.New(apperr.KindConfigError, "build model client", err)
	}

	rs := resultset.New(time.Duration(cfg.ResultSetTTLSeconds)*time.Second, cfg.ResultSetCapacity)
	assembler := promptctx.New(st)
	parser := intent.New(llmClient, st, rs)
	dm := dialog.New(st, time.Duration(cfg.DialogStateTimeoutSec)*time.Second)
	decomposer := decompose.New(llmClient, st)
	dispatcher := dispatch.New(st, rs, dm, decomposer, llmClient)

	if _, err := recovery.Sweep(context.Background(), st, decomposer); err != nil {
		slog.Warn("api.Run: startup recovery sweep failed", "error", err)
	}

	sched := scheduler.NewScheduler()
	notifier := notify.New(sched, st, transport.NopAdapter{}, cfg.NotificationRatePerS)
	if err := notifier.Start(); err != nil {
		return fmt.Errorf("api: start notifier: %w", err)
	}

	jobRunner := store.NewJobRunner(st, jobPollInterval)
	jobRunner.RegisterHandler(dispatch.ScheduleGoalJobKind, dispatcher.HandleScheduleGoalJob)
	if err := jobRunner.RecoverStaleJobs(); err != nil {
		slog.Warn("api.Run: recover stale jobs failed", "error", err)
	}
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	go jobRunner.Run(jobsCtx)

	server := NewServer(st, rs, assembler, parser, dm, dispatcher, notifier, sched)
	server.stopJobs = stopJobs

	mux := http.NewServeMux()
	mux.HandleFunc("/process", server.processHandler)
	mux.HandleFunc("/callback", server.callbackHandler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		slog.Info("goaltender API running", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	slog.Info("shutdown signal received, shutting down server")
	return server.gracefulShutdown(srv)
}

// openStore picks a backend from dsn the way the teacher's
// initializeStore did: postgres:// DSNs get the Postgres backend, any
// other non-empty DSN is treated as a SQLite file path, and an empty DSN
// falls back to the in-memory store.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Info("no store DSN set, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("opening PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("opening SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

func (s *Server) gracefulShutdown(srv *http.Server) error {
	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	s.sched.Stop()
	if s.stopJobs != nil {
		s.stopJobs()
	}

	if err := s.st.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		for _, e := range errs {
			slog.Error("shutdown error", "error", e)
		}
		return errs[0]
	}
	slog.Info("graceful shutdown complete")
	return nil
}

// lockUser returns the per-user mutex spec.md §5 requires to serialize
// every operation for one user_id.
func (s *Server) lockUser(userID string) *sync.Mutex {
	v, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func writeJSON(w http.ResponseWriter, status int, resp models.CoreResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("writeJSON: encode failed", "error", err)
	}
}

func errorResponse(err error) models.CoreResponse {
	if ae, ok := apperr.As(err); ok {
		return models.CoreResponse{Success: false, ResponseType: models.ResponseTypeFinalText, Text: apperr.UserMessage(ae.Kind), Error: string(ae.Kind)}
	}
	return models.CoreResponse{Success: false, ResponseType: models.ResponseTypeFinalText, Text: apperr.UserMessage(""), Error: "internal"}
}

// processRequest is the POST /process body shape of spec.md §6.
type processRequest struct {
	UserID  string            `json:"user_id"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

// callbackRequest is the POST /callback body shape of spec.md §6.
type callbackRequest struct {
	UserID       string `json:"user_id"`
	CallbackData string `json:"callback_data"`
}

func (s *Server) processHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(apperr.New(apperr.KindIntentInvalid, "bad request body", err)))
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(apperr.New(apperr.KindIntentInvalid, "missing user_id", nil)))
		return
	}

	if messageID := req.Context["message_id"]; messageID != "" {
		fresh, err := s.st.RecordInbound(messageID, req.UserID)
		if err == nil && !fresh {
			slog.Debug("processHandler: duplicate inbound message, ignoring", "userID", req.UserID, "messageID", messageID)
			writeJSON(w, http.StatusOK, models.CoreResponse{Success: true, ResponseType: models.ResponseTypeFinalText})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	mu := s.lockUser(req.UserID)
	mu.Lock()
	defer mu.Unlock()

	resp, err := s.handleMessage(ctx, req.UserID, req.Message)
	if err != nil {
		writeJSON(w, http.StatusOK, errorResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) callbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(apperr.New(apperr.KindIntentInvalid, "bad request body", err)))
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(apperr.New(apperr.KindIntentInvalid, "missing user_id", nil)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	mu := s.lockUser(req.UserID)
	mu.Lock()
	defer mu.Unlock()

	resp, err := s.handleCallback(ctx, req.UserID, req.CallbackData)
	if err != nil {
		writeJSON(w, http.StatusOK, errorResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMessage is the free-text turn of spec.md §4: a non-IDLE dialog
// state consumes the message as the value the sub-flow is waiting for;
// IDLE runs the full Assemble -> Parse -> Dispatch pipeline.
func (s *Server) handleMessage(ctx context.Context, userID, text string) (models.CoreResponse, error) {
	fs, err := s.dm.Load(userID)
	if err != nil {
		return models.CoreResponse{}, fmt.Errorf("api: load dialog state: %w", err)
	}

	switch fs.CurrentState {
	case models.StateIdle:
		bundle := s.assembler.Build(ctx, userID)
		in, perr := s.parser.Parse(ctx, userID, bundle, text)
		if perr != nil {
			return models.CoreResponse{}, perr
		}
		return s.dispatcher.Dispatch(ctx, userID, in)

	case models.StateGoalClarification:
		draft := dialog.DraftFromData(fs.StateData)
		return s.dispatcher.ContinueGoalClarification(ctx, userID, draft, text)

	case models.StateSchedulePrefsDays, models.StateSchedulePrefsTime:
		return models.CoreResponse{
			Success: true, ResponseType: models.ResponseTypeAskClarification,
			Text: "Пожалуйста, воспользуйтесь кнопками ниже, чтобы продолжить настройку расписания.",
		}, nil

	default:
		id, idErr := stateEntityID(fs)
		if idErr != nil {
			return models.CoreResponse{}, apperr.New(apperr.KindIntentInvalid, "missing edit target", idErr)
		}
		resp, aerr := s.dispatcher.ApplyEdit(ctx, userID, fs.CurrentState, id, text)
		if aerr != nil {
			return models.CoreResponse{}, aerr
		}
		if serr := s.dm.Cancel(userID); serr != nil {
			return models.CoreResponse{}, fmt.Errorf("api: return to idle after edit: %w", serr)
		}
		return resp, nil
	}
}

func stateEntityID(fs models.FlowState) (int64, error) {
	raw := fs.StateData[string(models.DataKeyEditEntityID)]
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("bad edit entity id %q: %w", raw, err)
	}
	return id, nil
}

// handleCallback drives the button-press grammar of spec.md §6.
func (s *Server) handleCallback(ctx context.Context, userID, raw string) (models.CoreResponse, error) {
	cb, err := dialog.ParseCallback(raw)
	if err != nil {
		return models.CoreResponse{}, apperr.New(apperr.KindIntentParseError, "callback grammar", err)
	}

	switch cb.Kind {
	case dialog.CallbackCancel:
		if err := s.dm.Cancel(userID); err != nil {
			return models.CoreResponse{}, fmt.Errorf("api: cancel: %w", err)
		}
		return finalTextResponse("Действие отменено."), nil

	case dialog.CallbackEdit:
		if err := s.dm.EnterEdit(userID, cb); err != nil {
			return models.CoreResponse{}, apperr.New(apperr.KindIntentInvalid, "enter edit", err)
		}
		return models.CoreResponse{
			Success: true, ResponseType: models.ResponseTypeAskClarification,
			Text: editPrompt(cb.Entity, cb.Field),
		}, nil

	case dialog.CallbackDayPref:
		fs, lerr := s.dm.Load(userID)
		if lerr != nil {
			return models.CoreResponse{}, fmt.Errorf("api: load state: %w", lerr)
		}
		if fs.CurrentState != models.StateSchedulePrefsDays {
			return staleFlowResponse(), nil
		}
		days, terr := s.dm.ToggleWeekday(fs, cb.Day)
		if terr != nil {
			return models.CoreResponse{}, fmt.Errorf("api: toggle weekday: %w", terr)
		}
		return finalTextResponse(fmt.Sprintf("Выбрано дней: %d. Нажмите «Готово», когда закончите.", len(days))), nil

	case dialog.CallbackDayPrefDone:
		fs, lerr := s.dm.Load(userID)
		if lerr != nil {
			return models.CoreResponse{}, fmt.Errorf("api: load state: %w", lerr)
		}
		if fs.CurrentState != models.StateSchedulePrefsDays {
			return staleFlowResponse(), nil
		}
		if err := s.dm.FinishDayPrefs(fs); err != nil {
			return models.CoreResponse{}, fmt.Errorf("api: finish day prefs: %w", err)
		}
		return models.CoreResponse{
			Success: true, ResponseType: models.ResponseTypeAskClarification,
			Text: "В какое время дня вам удобнее работать над шагами?",
			Buttons: [][]models.Button{{
				{Text: "Утро", CallbackData: "time_pref:morning"},
				{Text: "День", CallbackData: "time_pref:afternoon"},
				{Text: "Вечер", CallbackData: "time_pref:evening"},
			}},
		}, nil

	case dialog.CallbackTimePref:
		fs, lerr := s.dm.Load(userID)
		if lerr != nil {
			return models.CoreResponse{}, fmt.Errorf("api: load state: %w", lerr)
		}
		if fs.CurrentState != models.StateSchedulePrefsTime {
			return staleFlowResponse(), nil
		}
		prefs, ferr := s.dm.FinishTimePrefs(fs, cb.Time)
		if ferr != nil {
			return models.CoreResponse{}, apperr.New(apperr.KindIntentInvalid, "time preference", ferr)
		}
		tz := models.DefaultTimezone
		if u, uerr := s.st.GetUser(userID); uerr == nil && u.Timezone != "" {
			tz = u.Timezone
		}
		return s.dispatcher.CompleteScheduling(ctx, userID, tz, prefs)

	case dialog.CallbackTimePrefDone:
		return finalTextResponse("Выберите, пожалуйста, время одной из кнопок выше."), nil

	case dialog.CallbackConfirm:
		return s.dispatcher.HandleConfirm(ctx, userID, cb.Op, cb.ID)

	default:
		return models.CoreResponse{}, apperr.New(apperr.KindIntentParseError, "unhandled callback kind", nil)
	}
}

func finalTextResponse(text string) models.CoreResponse {
	return models.CoreResponse{Success: true, ResponseType: models.ResponseTypeFinalText, Text: text}
}

func staleFlowResponse() models.CoreResponse {
	return models.CoreResponse{
		Success: true, ResponseType: models.ResponseTypeFinalText,
		Text: "Этот список кнопок уже неактуален.",
	}
}

func editPrompt(entity models.EditableEntity, field string) string {
	switch field {
	case "title":
		return "Введите новое название:"
	case "description":
		return "Введите новое описание:"
	case "deadline", "date":
		return "Введите новую дату в формате ГГГГ-ММ-ДД:"
	case "time":
		return "Введите новое время в формате ЧЧ:ММ:"
	case "category":
		return "Введите новую категорию:"
	case "priority":
		return "Введите новый приоритет (low, medium, high):"
	case "duration":
		return "Введите новую длительность в минутах:"
	case "notes":
		return "Введите новые заметки:"
	default:
		return "Введите новое значение:"
	}
}
