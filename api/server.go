package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/fabfab/docrouter/audit"
	"github.com/fabfab/docrouter/config"
	"github.com/fabfab/docrouter/ingestion"
	"github.com/fabfab/docrouter/knowledge"
	"github.com/fabfab/docrouter/router"
	"github.com/fabfab/docrouter/search"
	"github.com/fabfab/docrouter/security"
)

const (
	maxUploadBytes    = 64 << 20
	defaultGraphDepth = 1
)

var errBadRequest = errors.New("bad request")

type Ingester interface {
	IngestUpload(ctx context.Context, sc security.SecurityContext, filename string, data []byte, opts router.IngestOptions) (ingestion.Result, error)
	IngestDirectory(ctx context.Context, sc security.SecurityContext, dir string, opts ingestion.DirOptions) (ingestion.BatchResult, error)
	ListDocuments(ctx context.Context, sc security.SecurityContext, limit int) ([]ingestion.Document, error)
	Purge(ctx context.Context, sc security.SecurityContext) error
}

type Searcher interface {
	Search(ctx context.Context, sc security.SecurityContext, req search.Request) (search.Response, error)
}

type GraphReader interface {
	Query(ctx context.Context, entity string, depth int, tenantID string, limit int) (knowledge.QueryResult, error)
	Stats(ctx context.Context, tenantID string) (knowledge.Stats, error)
}

type Options struct {
	Ingestion Ingester
	Search    Searcher
	Graph     GraphReader
	// Ready backs /readyz; nil always reports ready.
	Ready  func(ctx context.Context) error
	Audit  *audit.Logger
	Auth   config.AuthConfig
	Ingest config.IngestConfig
	Logger *log.Logger
}

// Server exposes the document routing, search and graph workflows over HTTP.
type Server struct {
	opts    Options
	logger  *log.Logger
	handler http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type ingestDirRequest struct {
	Dir     string   `json:"dir"`
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

type classifyRequest struct {
	Filename string `json:"filename"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

type documentsResponse struct {
	Documents []ingestion.Document `json:"documents"`
	Total     int                  `json:"total"`
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	s := &Server{opts: opts, logger: opts.Logger}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/v1/ingest", s.handleIngest)
	mux.HandleFunc("/v1/documents", s.handleDocuments)
	mux.HandleFunc("/v1/search", s.handleSearch)
	mux.HandleFunc("/v1/graph/query", s.handleGraphQuery)
	mux.HandleFunc("/v1/graph/stats", s.handleGraphStats)
	mux.HandleFunc("/v1/classify", s.handleClassify)
	mux.HandleFunc("/v1/clear", s.handleClear)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ready"})
}

// handleIngest accepts a multipart upload in field "file", or a JSON body
// naming a server-side directory (admins only).
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	sc, ok := s.identify(w, r)
	if !ok {
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		s.ingestUpload(w, r, sc)
		return
	}

	var req ingestDirRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Dir) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("dir is required"))
		return
	}
	if !sc.IsAdmin() {
		s.opts.Audit.Record(r.Context(), sc, audit.EventAccessDenied, req.Dir, map[string]any{"action": "ingest_directory"})
		s.writeFailure(w, fmt.Errorf("ingest directory: %w", security.ErrAccessDenied))
		return
	}

	include, exclude := req.Include, req.Exclude
	if len(include) == 0 {
		include = s.opts.Ingest.Include
	}
	if len(exclude) == 0 {
		exclude = s.opts.Ingest.Exclude
	}
	batch, err := s.opts.Ingestion.IngestDirectory(r.Context(), sc, req.Dir, ingestion.DirOptions{
		Include: include,
		Exclude: exclude,
		Workers: s.opts.Ingest.Workers,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Server) ingestUpload(w http.ResponseWriter, r *http.Request, sc security.SecurityContext) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	opts := router.IngestOptions{AccessLevel: security.AccessLevel(strings.ToLower(r.FormValue("accessLevel")))}
	if opts.AccessLevel != "" && !validAccessLevel(opts.AccessLevel) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown access level %q", opts.AccessLevel))
		return
	}
	if force := r.FormValue("forceClass"); force != "" {
		class, err := router.ParseDataClass(force)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.ForceClass = class
	}

	result, err := s.opts.Ingestion.IngestUpload(r.Context(), sc, header.Filename, data, opts)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	sc, ok := s.identify(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	docs, err := s.opts.Ingestion.ListDocuments(r.Context(), sc, limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, documentsResponse{Documents: docs, Total: len(docs)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	sc, ok := s.identify(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	mode, err := search.ParseMode(query.Get("mode"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if limit < 0 || limit > search.MaxLimit {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and %d", search.MaxLimit))
		return
	}

	k, err := queryInt(r, "k", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if k < 0 || (k == 0 && strings.TrimSpace(query.Get("k")) != "") {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("k must be a positive integer"))
		return
	}

	resp, err := s.opts.Search.Search(r.Context(), sc, search.Request{Query: query.Get("q"), Mode: mode, Limit: limit, K: k})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.opts.Audit.Record(r.Context(), sc, audit.EventSearch, "", map[string]any{
		"query":    resp.Query,
		"mode":     resp.Mode,
		"total":    resp.Total,
		"degraded": resp.Degraded,
	})
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGraphQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	sc, ok := s.identify(w, r)
	if !ok {
		return
	}

	entity := strings.TrimSpace(r.URL.Query().Get("entity"))
	if entity == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("entity is required"))
		return
	}
	depth, err := queryInt(r, "depth", defaultGraphDepth)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.opts.Graph.Query(r.Context(), entity, depth, sc.TenantID, limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := checkGraphTenant(sc, result); err != nil {
		s.writeFailure(w, err)
		return
	}
	result.Nodes = security.FilterAccessible(sc, result.Nodes, func(n knowledge.GraphNode) security.Resource {
		return graphResource(n.TenantID)
	})
	result.Edges = security.FilterAccessible(sc, result.Edges, func(e knowledge.GraphEdge) security.Resource {
		return graphResource(e.TenantID)
	})
	s.opts.Audit.Record(r.Context(), sc, audit.EventGraphQuery, "", map[string]any{
		"entity": entity,
		"nodes":  len(result.Nodes),
		"edges":  len(result.Edges),
	})
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	sc, ok := s.identify(w, r)
	if !ok {
		return
	}
	stats, err := s.opts.Graph.Stats(r.Context(), sc.TenantID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	sc, ok := s.identify(w, r)
	if !ok {
		return
	}

	var req classifyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("filename is required"))
		return
	}

	result := router.Classify(req.Filename)
	s.opts.Audit.Record(r.Context(), sc, audit.EventClassify, req.Filename, map[string]any{"dataClass": result.DataClass})
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	sc, ok := s.identify(w, r)
	if !ok {
		return
	}

	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if !req.Confirm {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear data"))
		return
	}

	if err := s.opts.Ingestion.Purge(r.Context(), sc); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("tenant %s cleared", sc.TenantID)})
}

func (s *Server) identify(w http.ResponseWriter, r *http.Request) (security.SecurityContext, bool) {
	sc, err := identify(r, s.opts.Auth)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return security.SecurityContext{}, false
	}
	return sc, true
}

// checkGraphTenant fails the whole result when the store returned anything
// outside the caller's tenant.
func checkGraphTenant(sc security.SecurityContext, result knowledge.QueryResult) error {
	for _, node := range result.Nodes {
		if node.TenantID != sc.TenantID {
			return fmt.Errorf("graph node %s: %w", node.ID, security.ErrTenantBoundaryViolation)
		}
	}
	for _, edge := range result.Edges {
		if edge.TenantID != sc.TenantID {
			return fmt.Errorf("graph edge %s: %w", edge.ID, security.ErrTenantBoundaryViolation)
		}
	}
	return nil
}

// graphResource describes a graph element for the access policy: graph
// elements are visible to their whole tenant.
func graphResource(tenantID string) security.Resource {
	return security.Resource{TenantID: tenantID, AccessLevel: security.AccessTenant}
}

func validAccessLevel(level security.AccessLevel) bool {
	switch level {
	case security.AccessPrivate, security.AccessTeam, security.AccessProject, security.AccessTenant:
		return true
	}
	return false
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, security.ErrInvalidContext):
		return http.StatusUnauthorized
	case errors.Is(err, security.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, security.ErrTenantBoundaryViolation):
		return http.StatusInternalServerError
	case errors.Is(err, errBadRequest),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, knowledge.ErrInvalidDepth):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrEngineUnavailable), errors.Is(err, router.ErrExtractionFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
	}
	return value, nil
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
