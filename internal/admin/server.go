// Package admin serves the operator HTTP surface.
//
// The surface is a token-guarded JSON API over the bot's data stores: usage
// stats, affection overview and adjustment, knowledge graph inspection and
// clearing, and blacklist moderation. It also mounts the health probes and
// the Prometheus scrape endpoint. An empty listen address disables the whole
// server; an empty token disables auth only.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsukishiro/yukibot/internal/affection"
	"github.com/tsukishiro/yukibot/internal/config"
	"github.com/tsukishiro/yukibot/internal/guard"
	"github.com/tsukishiro/yukibot/internal/health"
	"github.com/tsukishiro/yukibot/internal/observe"
	"github.com/tsukishiro/yukibot/internal/stats"
	"github.com/tsukishiro/yukibot/pkg/memory"
)

const shutdownTimeout = 5 * time.Second

// Deps are the stores the API reads and mutates. Nil entries disable the
// corresponding endpoints with a 503 reply.
type Deps struct {
	Cfg       func() *config.Config
	Stats     *stats.Service
	Affection *affection.Service
	Graph     memory.KnowledgeGraph
	Blacklist *guard.Blacklist
	Health    *health.Handler
	Metrics   *observe.Metrics
}

// Server is the admin HTTP server.
type Server struct {
	deps   Deps
	logger *slog.Logger
	srv    *http.Server
}

// New creates a Server listening on cfg().Bot.AdminAddr.
func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger.With("component", "admin")}
	s.srv = &http.Server{
		Addr:              deps.Cfg().Bot.AdminAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the full route tree, wrapped in the observability
// middleware when metrics are configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /admin/api/stats", s.auth(s.getStats))
	mux.HandleFunc("GET /admin/api/config", s.auth(s.getConfig))

	mux.HandleFunc("GET /admin/api/affection/overview", s.auth(s.affectionOverview))
	mux.HandleFunc("GET /admin/api/affection/list", s.auth(s.affectionList))
	mux.HandleFunc("POST /admin/api/affection/update", s.auth(s.affectionUpdate))

	mux.HandleFunc("GET /admin/api/graph/stats", s.auth(s.graphStats))
	mux.HandleFunc("GET /admin/api/graph/users", s.auth(s.graphUsers))
	mux.HandleFunc("GET /admin/api/graph/data", s.auth(s.graphData))
	mux.HandleFunc("POST /admin/api/graph/clear", s.auth(s.graphClear))

	mux.HandleFunc("GET /admin/api/blacklist", s.auth(s.blacklistList))
	mux.HandleFunc("POST /admin/api/blacklist/ban", s.auth(s.blacklistBan))
	mux.HandleFunc("POST /admin/api/blacklist/unban", s.auth(s.blacklistUnban))

	if s.deps.Metrics != nil {
		return observe.Middleware(s.deps.Metrics)(mux)
	}
	return mux
}

// Start begins serving. It returns once the listener stops; a clean shutdown
// reports nil.
func (s *Server) Start() error {
	s.logger.Info("admin surface listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// auth checks the access token from the query string or a Bearer header.
// An empty configured token means the surface is open.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := s.deps.Cfg().Bot.AdminToken
		if expected != "" && !tokenMatches(r, expected) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func tokenMatches(r *http.Request, expected string) bool {
	if r.URL.Query().Get("token") == expected {
		return true
	}
	authz := r.Header.Get("Authorization")
	return strings.HasPrefix(authz, "Bearer ") && strings.TrimPrefix(authz, "Bearer ") == expected
}

// envelope is the uniform response body.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"success":false}`, http.StatusInternalServerError)
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.logger.Error("admin request failed", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// ─────────────────────────────────────────────────────────────────────────────
// stats and config
// ─────────────────────────────────────────────────────────────────────────────

type globalStatsDTO struct {
	TotalUsers       int     `json:"total_users"`
	TotalMsgReceived int     `json:"total_msg_received"`
	TotalMsgSent     int     `json:"total_msg_sent"`
	R1Tokens         int64   `json:"r1_tokens"`
	R1Calls          int     `json:"r1_calls"`
	V3Tokens         int64   `json:"v3_tokens"`
	V3Calls          int     `json:"v3_calls"`
	TotalCost        float64 `json:"total_cost"`
	UpdatedAt        string  `json:"updated_at"`
}

type dailyStatsDTO struct {
	Date        string  `json:"date"`
	MsgReceived int     `json:"msg_received"`
	MsgSent     int     `json:"msg_sent"`
	R1Tokens    int64   `json:"r1_tokens"`
	V3Tokens    int64   `json:"v3_tokens"`
	Cost        float64 `json:"cost"`
}

func toDailyDTO(d stats.Daily) dailyStatsDTO {
	return dailyStatsDTO{
		Date:        d.Date,
		MsgReceived: d.MsgReceived,
		MsgSent:     d.MsgSent,
		R1Tokens:    d.R1Tokens,
		V3Tokens:    d.V3Tokens,
		Cost:        d.Cost,
	}
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats disabled")
		return
	}
	ctx := r.Context()

	global, err := s.deps.Stats.GetGlobal(ctx)
	if err != nil {
		s.fail(w, "stats.global", err)
		return
	}
	today, err := s.deps.Stats.GetToday(ctx)
	if err != nil {
		s.fail(w, "stats.today", err)
		return
	}
	daily, err := s.deps.Stats.GetDaily(ctx, 7)
	if err != nil {
		s.fail(w, "stats.daily", err)
		return
	}

	days := make([]dailyStatsDTO, 0, len(daily))
	for _, d := range daily {
		days = append(days, toDailyDTO(d))
	}
	writeData(w, map[string]any{
		"global": globalStatsDTO{
			TotalUsers:       global.TotalUsers,
			TotalMsgReceived: global.TotalMsgReceived,
			TotalMsgSent:     global.TotalMsgSent,
			R1Tokens:         global.R1InputTokens + global.R1OutputTokens,
			R1Calls:          global.R1Calls,
			V3Tokens:         global.V3InputTokens + global.V3OutputTokens,
			V3Calls:          global.V3Calls,
			TotalCost:        global.TotalCost,
			UpdatedAt:        global.UpdatedAt.Format(time.RFC3339),
		},
		"today": toDailyDTO(today),
		"daily": days,
	})
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.deps.Cfg()
	whitelistCount := len(cfg.Bot.Whitelist.AllowedUsers) + len(cfg.Bot.Whitelist.AllowedGroups)
	writeData(w, map[string]any{
		"bot_nickname":    cfg.Bot.Nickname,
		"organizer_model": cfg.Models.Organizer.ModelName,
		"generator_model": cfg.Models.Generator.ModelName,
		"whitelist_count": whitelistCount,
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// affection
// ─────────────────────────────────────────────────────────────────────────────

type affectionUserDTO struct {
	UserID            string  `json:"user_id"`
	Score             float64 `json:"score"`
	Level             int     `json:"level"`
	LevelName         string  `json:"level_name"`
	TotalInteractions int     `json:"total_interactions"`
	LastInteractAt    string  `json:"last_interact_at,omitempty"`
}

func toAffectionDTO(u affection.UserInfo) affectionUserDTO {
	dto := affectionUserDTO{
		UserID:            u.UserID,
		Score:             u.Score,
		Level:             u.Level,
		LevelName:         u.LevelName,
		TotalInteractions: u.TotalInteractions,
	}
	if !u.LastInteractAt.IsZero() {
		dto.LastInteractAt = u.LastInteractAt.Format(time.RFC3339)
	}
	return dto
}

func (s *Server) affectionOverview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Affection == nil {
		writeError(w, http.StatusServiceUnavailable, "affection disabled")
		return
	}
	ov, err := s.deps.Affection.GetOverview(r.Context())
	if err != nil {
		s.fail(w, "affection.overview", err)
		return
	}
	levels := make(map[string]int, len(ov.LevelCounts))
	for level, count := range ov.LevelCounts {
		levels[strconv.Itoa(level)] = count
	}
	writeData(w, map[string]any{
		"total_users":  ov.TotalUsers,
		"avg_score":    ov.AvgScore,
		"level_counts": levels,
	})
}

func (s *Server) affectionList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Affection == nil {
		writeError(w, http.StatusServiceUnavailable, "affection disabled")
		return
	}
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	pageSize := queryInt(q.Get("page_size"), 20)

	var filter affection.ListFilter
	if raw := q.Get("level"); raw != "" {
		if level, err := strconv.Atoi(raw); err == nil {
			filter.Level = level
			filter.HasLevel = true
		}
	}
	filter.Keyword = q.Get("keyword")

	result, err := s.deps.Affection.ListUsers(r.Context(), page, pageSize, filter)
	if err != nil {
		s.fail(w, "affection.list", err)
		return
	}
	items := make([]affectionUserDTO, 0, len(result.Items))
	for _, u := range result.Items {
		items = append(items, toAffectionDTO(u))
	}
	writeData(w, map[string]any{
		"items":     items,
		"total":     result.Total,
		"page":      result.Page,
		"page_size": result.PageSize,
	})
}

func (s *Server) affectionUpdate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Affection == nil {
		writeError(w, http.StatusServiceUnavailable, "affection disabled")
		return
	}
	var body struct {
		UserID string   `json:"user_id"`
		Score  *float64 `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" || body.Score == nil {
		writeError(w, http.StatusBadRequest, "缺少 user_id 或 score")
		return
	}
	info, err := s.deps.Affection.AdminSetScore(r.Context(), body.UserID, *body.Score)
	if err != nil {
		if errors.Is(err, affection.ErrUnknownUser) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.fail(w, "affection.update", err)
		return
	}
	writeData(w, toAffectionDTO(info))
}

// ─────────────────────────────────────────────────────────────────────────────
// knowledge graph
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) graphStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Graph == nil {
		writeError(w, http.StatusServiceUnavailable, "graph disabled")
		return
	}
	st, err := s.deps.Graph.Stats(r.Context())
	if err != nil {
		s.fail(w, "graph.stats", err)
		return
	}
	writeData(w, map[string]any{
		"total_nodes":  st.TotalNodes,
		"total_edges":  st.TotalEdges,
		"total_users":  st.TotalUsers,
		"entity_types": st.EntityTypes,
	})
}

func (s *Server) graphUsers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Graph == nil {
		writeError(w, http.StatusServiceUnavailable, "graph disabled")
		return
	}
	users, err := s.deps.Graph.Users(r.Context())
	if err != nil {
		s.fail(w, "graph.users", err)
		return
	}
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]any{"user_id": u.UserID, "node_count": u.NodeCount})
	}
	writeData(w, out)
}

type graphNodeDTO struct {
	ID         int64    `json:"id"`
	UserID     string   `json:"user_id"`
	Entity     string   `json:"entity"`
	EntityType string   `json:"entity_type"`
	Aliases    []string `json:"aliases,omitempty"`
}

type graphEdgeDTO struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
}

func (s *Server) graphData(w http.ResponseWriter, r *http.Request) {
	if s.deps.Graph == nil {
		writeError(w, http.StatusServiceUnavailable, "graph disabled")
		return
	}
	q := r.URL.Query()
	dump, err := s.deps.Graph.GraphData(r.Context(), memory.GraphFilter{
		UserID:     q.Get("user_id"),
		EntityType: q.Get("entity_type"),
		Search:     q.Get("search"),
	})
	if err != nil {
		s.fail(w, "graph.data", err)
		return
	}
	nodes := make([]graphNodeDTO, 0, len(dump.Nodes))
	for _, n := range dump.Nodes {
		nodes = append(nodes, graphNodeDTO{
			ID: n.ID, UserID: n.UserID, Entity: n.Entity,
			EntityType: n.EntityType, Aliases: n.Aliases,
		})
	}
	edges := make([]graphEdgeDTO, 0, len(dump.Edges))
	for _, e := range dump.Edges {
		edges = append(edges, graphEdgeDTO{
			Source: e.Source, Target: e.Target, Relation: e.Relation, Weight: e.Weight,
		})
	}
	writeData(w, map[string]any{"nodes": nodes, "edges": edges})
}

func (s *Server) graphClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Graph == nil {
		writeError(w, http.StatusServiceUnavailable, "graph disabled")
		return
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}

	var (
		count   int
		message string
		err     error
	)
	if body.UserID != "" {
		count, err = s.deps.Graph.ClearUser(r.Context(), body.UserID)
		message = fmt.Sprintf("已清空用户 %s 的图谱（%d 个节点）", body.UserID, count)
	} else {
		count, err = s.deps.Graph.ClearAll(r.Context())
		message = fmt.Sprintf("已清空所有图谱（%d 个节点）", count)
	}
	if err != nil {
		s.fail(w, "graph.clear", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: message,
		Data:    map[string]any{"count": count},
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// blacklist
// ─────────────────────────────────────────────────────────────────────────────

type banRecordDTO struct {
	UserID           string `json:"user_id"`
	Reason           string `json:"reason"`
	BlockedBy        string `json:"blocked_by"`
	HitCount         int    `json:"hit_count"`
	BlockedAt        string `json:"blocked_at"`
	ExpiresAt        string `json:"expires_at"`
	RemainingMinutes int    `json:"remaining_minutes"`
}

func toBanDTO(rec guard.BanRecord) banRecordDTO {
	return banRecordDTO{
		UserID:           rec.UserID,
		Reason:           rec.Reason,
		BlockedBy:        rec.BlockedBy,
		HitCount:         rec.HitCount,
		BlockedAt:        rec.BlockedAt.Format(time.RFC3339),
		ExpiresAt:        rec.ExpiresAt.Format(time.RFC3339),
		RemainingMinutes: int(rec.Remaining().Minutes()),
	}
}

func (s *Server) blacklistList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blacklist == nil {
		writeError(w, http.StatusServiceUnavailable, "blacklist disabled")
		return
	}
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	pageSize := queryInt(q.Get("page_size"), 20)

	result, err := s.deps.Blacklist.ListActive(r.Context(), page, pageSize)
	if err != nil {
		s.fail(w, "blacklist.list", err)
		return
	}
	records := make([]banRecordDTO, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, toBanDTO(rec))
	}
	writeData(w, map[string]any{
		"records":     records,
		"total":       result.Total,
		"page":        result.Page,
		"page_size":   result.PageSize,
		"total_pages": result.TotalPages,
	})
}

func (s *Server) blacklistBan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blacklist == nil {
		writeError(w, http.StatusServiceUnavailable, "blacklist disabled")
		return
	}
	var body struct {
		UserID  string `json:"user_id"`
		Minutes int    `json:"minutes"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "缺少 user_id")
		return
	}
	if body.Minutes <= 0 {
		body.Minutes = 30
	}
	if body.Reason == "" {
		body.Reason = "manual"
	}
	rec, err := s.deps.Blacklist.Ban(r.Context(), body.UserID,
		time.Duration(body.Minutes)*time.Minute, body.Reason, "web_admin")
	if err != nil {
		s.fail(w, "blacklist.ban", err)
		return
	}
	writeData(w, toBanDTO(rec))
}

func (s *Server) blacklistUnban(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blacklist == nil {
		writeError(w, http.StatusServiceUnavailable, "blacklist disabled")
		return
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "缺少 user_id")
		return
	}
	removed, err := s.deps.Blacklist.Unban(r.Context(), body.UserID)
	if err != nil {
		s.fail(w, "blacklist.unban", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, fmt.Sprintf("用户 %s 不在黑名单中", body.UserID))
		return
	}
	writeData(w, map[string]any{"user_id": body.UserID})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
