package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/duckmesh/sqlrag/internal/config"
	"github.com/duckmesh/sqlrag/internal/dbcontext"
	"github.com/duckmesh/sqlrag/internal/nl2sql"
)

type databaseHandlers struct {
	cfg  config.Config
	deps Dependencies
}

const (
	strategyRetrieval = "retrieval"
	strategyClauses   = "clauses"
)

type askRequest struct {
	Question          string `json:"question"`
	NeedSimilaritySQL *bool  `json:"need_similarity_sql"`
	Answer            bool   `json:"answer"`
	// Strategy is "retrieval" (default) or "clauses".
	Strategy string `json:"strategy"`
}

type askResponse struct {
	*nl2sql.Run
	Answer string `json:"answer,omitempty"`
}

type clauseAskResponse struct {
	*nl2sql.ClauseRun
	Answer string `json:"answer,omitempty"`
}

type searchRequest struct {
	Query     string `json:"query"`
	K         int    `json:"k"`
	Index     string `json:"index"`
	Expansion string `json:"expansion"`
}

type searchHit struct {
	Position int            `json:"position"`
	Text     string         `json:"text"`
	Record   map[string]any `json:"record,omitempty"`
	Score    float32        `json:"score"`
}

type schemaResponse struct {
	DBType      string    `json:"db_type"`
	DBName      string    `json:"db_name"`
	State       string    `json:"state"`
	Tables      []string  `json:"tables"`
	SQLExamples []string  `json:"sql_examples"`
	BuiltAt     time.Time `json:"built_at"`
}

type databaseEntry struct {
	DBType string `json:"db_type"`
	DBName string `json:"db_name"`
	Opened bool   `json:"opened"`
	State  string `json:"state,omitempty"`
}

func (h *databaseHandlers) handleList(w http.ResponseWriter, _ *http.Request) {
	entries := make([]databaseEntry, 0, len(h.cfg.Databases.Entries))
	for _, configured := range h.cfg.Databases.Entries {
		key := dbcontext.NewKey(configured.Type, configured.Name)
		entry := databaseEntry{DBType: key.DBType, DBName: key.DBName}
		if h.deps.Coordinator != nil {
			if dbctx, ok := h.deps.Coordinator.Lookup(key); ok {
				entry.Opened = true
				entry.State = dbctx.State().String()
			}
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": entries})
}

func (h *databaseHandlers) handleAsk(w http.ResponseWriter, r *http.Request) {
	var request askRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	switch request.Strategy {
	case "", strategyRetrieval:
	case strategyClauses:
		if h.deps.Clauses == nil {
			writeError(r.Context(), w, http.StatusNotImplemented, "WORKFLOW_NOT_CONFIGURED", "clause workflow is not configured", false, nil)
			return
		}
	default:
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_STRATEGY", "strategy must be retrieval or clauses", false, map[string]any{"strategy": request.Strategy})
		return
	}
	if h.deps.Workflow == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "WORKFLOW_NOT_CONFIGURED", "workflow is not configured", false, nil)
		return
	}
	dbctx, ok := h.openContext(w, r)
	if !ok {
		return
	}
	if request.Strategy == strategyClauses {
		h.askClauses(w, r, dbctx, request)
		return
	}

	opts := nl2sql.RunOptions{NeedSimilaritySQL: h.cfg.Workflow.NeedSimilaritySQL}
	if request.NeedSimilaritySQL != nil {
		opts.NeedSimilaritySQL = *request.NeedSimilaritySQL
	}
	run, err := h.deps.Workflow.Run(r.Context(), dbctx, request.Question, opts)
	if err != nil {
		writeWorkflowError(w, r, err)
		return
	}

	response := askResponse{Run: run}
	if request.Answer {
		answer, err := h.deps.Workflow.Answer(r.Context(), run)
		if err != nil {
			writeWorkflowError(w, r, err)
			return
		}
		response.Answer = answer
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *databaseHandlers) askClauses(w http.ResponseWriter, r *http.Request, dbctx *dbcontext.Context, request askRequest) {
	run, err := h.deps.Clauses.Run(r.Context(), dbctx, request.Question)
	if err != nil {
		writeWorkflowError(w, r, err)
		return
	}
	response := clauseAskResponse{ClauseRun: run}
	if request.Answer {
		answer, err := h.deps.Workflow.Answer(r.Context(), &nl2sql.Run{
			ID:        run.ID,
			Question:  run.Question,
			FinalSQL:  run.SQL,
			SQLResult: run.SQLResult,
		})
		if err != nil {
			writeWorkflowError(w, r, err)
			return
		}
		response.Answer = answer
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *databaseHandlers) handleSearch(w http.ResponseWriter, r *http.Request) {
	var request searchRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.Query) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, nil)
		return
	}
	if request.K < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_K", "k must not be negative", false, nil)
		return
	}
	if h.deps.Workflow == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "WORKFLOW_NOT_CONFIGURED", "workflow is not configured", false, nil)
		return
	}
	dbctx, ok := h.openContext(w, r)
	if !ok {
		return
	}

	hits, err := h.deps.Workflow.Search(r.Context(), dbctx, nl2sql.SearchRequest{
		Query:     request.Query,
		Index:     request.Index,
		K:         request.K,
		Expansion: request.Expansion,
	})
	if errors.Is(err, nl2sql.ErrInvalidSearch) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SEARCH", err.Error(), false, nil)
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "SEARCH_FAILED", "index search failed", true, map[string]any{"details": err.Error()})
		return
	}

	out := make([]searchHit, len(hits))
	for i, hit := range hits {
		out[i] = searchHit{Position: hit.Position, Text: hit.Chunk.EmbedText(), Record: hit.Chunk.Record, Score: hit.Score}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": out})
}

// handleNotify refreshes synchronously by default. With ?mode=queue the
// refresh is handed to the coordinator's per-database worker instead.
func (h *databaseHandlers) handleNotify(w http.ResponseWriter, r *http.Request) {
	key, ok := h.configuredKey(w, r)
	if !ok {
		return
	}
	if h.deps.Coordinator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "COORDINATOR_NOT_CONFIGURED", "coordinator is not configured", false, nil)
		return
	}

	mode := r.URL.Query().Get("mode")
	switch mode {
	case "", "sync":
		refreshed, err := h.deps.Coordinator.Notify(r.Context(), key)
		if err != nil {
			writeNotifyError(w, r, err)
			return
		}
		state := ""
		if dbctx, ok := h.deps.Coordinator.Lookup(key); ok {
			state = dbctx.State().String()
		}
		writeJSON(w, http.StatusOK, map[string]any{"refreshed": refreshed, "state": state})
	case "queue":
		if err := h.deps.Coordinator.Publish(key); err != nil {
			writeNotifyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
	default:
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_MODE", "mode must be sync or queue", false, map[string]any{"mode": mode})
	}
}

func (h *databaseHandlers) handleSchema(w http.ResponseWriter, r *http.Request) {
	dbctx, ok := h.openContext(w, r)
	if !ok {
		return
	}
	view, release := dbctx.Acquire()
	defer release()

	key := dbctx.Key()
	writeJSON(w, http.StatusOK, schemaResponse{
		DBType:      key.DBType,
		DBName:      key.DBName,
		State:       dbctx.State().String(),
		Tables:      view.Summaries(),
		SQLExamples: view.ExampleSQL(),
		BuiltAt:     view.BuiltAt(),
	})
}

func (h *databaseHandlers) configuredKey(w http.ResponseWriter, r *http.Request) (dbcontext.Key, bool) {
	key := dbcontext.NewKey(r.PathValue("db_type"), r.PathValue("db_name"))
	if _, ok := h.cfg.Databases.Lookup(key.DBType, key.DBName); !ok {
		writeError(r.Context(), w, http.StatusNotFound, "DATABASE_NOT_FOUND", "database is not configured", false, map[string]any{
			"db_type": key.DBType,
			"db_name": key.DBName,
		})
		return dbcontext.Key{}, false
	}
	return key, true
}

// openContext returns the context of a configured database, building it on
// first use.
func (h *databaseHandlers) openContext(w http.ResponseWriter, r *http.Request) (*dbcontext.Context, bool) {
	key, ok := h.configuredKey(w, r)
	if !ok {
		return nil, false
	}
	if h.deps.Coordinator == nil || h.deps.Build == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "COORDINATOR_NOT_CONFIGURED", "coordinator is not configured", false, nil)
		return nil, false
	}
	dbctx, err := h.deps.Coordinator.Open(r.Context(), key, h.deps.Build)
	if err != nil {
		if h.deps.Logger != nil {
			h.deps.Logger.ErrorContext(r.Context(), "open database context",
				slog.String("db_type", key.DBType),
				slog.String("db_name", key.DBName),
				slog.Any("error", err),
			)
		}
		writeError(r.Context(), w, http.StatusServiceUnavailable, "CONTEXT_UNAVAILABLE", "database context could not be built", true, map[string]any{"details": err.Error()})
		return nil, false
	}
	return dbctx, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

func writeWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	var stageErr *nl2sql.StageError
	if errors.As(err, &stageErr) {
		writeError(r.Context(), w, http.StatusBadGateway, "WORKFLOW_FAILED", "workflow stage failed", true, map[string]any{
			"stage":   stageErr.Stage,
			"details": stageErr.Err.Error(),
		})
		return
	}
	writeError(r.Context(), w, http.StatusBadRequest, "WORKFLOW_REJECTED", err.Error(), false, nil)
}

func writeNotifyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dbcontext.ErrNotInitialized):
		writeError(r.Context(), w, http.StatusNotFound, "NOT_INITIALIZED", "database context has not been opened yet", false, nil)
	case errors.Is(err, dbcontext.ErrClosed):
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error(), true, nil)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "REFRESH_FAILED", "schema refresh failed", true, map[string]any{"details": err.Error()})
	}
}
