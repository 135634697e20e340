package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/berthstack/berth/pkg/deployer"
	"github.com/berthstack/berth/pkg/factory"
	"github.com/berthstack/berth/pkg/log"
	"github.com/berthstack/berth/pkg/metrics"
	"github.com/berthstack/berth/pkg/storage"
	"github.com/berthstack/berth/pkg/types"
	"github.com/berthstack/berth/pkg/users"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxArchiveBytes caps the size of an uploaded source archive.
const maxArchiveBytes = 256 << 20

// Deployer is the slice of the deployment system the API needs.
type Deployer interface {
	Deploy(project types.ProjectName, archive []byte) (types.DeploymentMeta, error)
	GetByProject(project types.ProjectName) (types.DeploymentMeta, error)
	GetByID(id types.DeploymentID) (types.DeploymentMeta, error)
	KillByProject(project types.ProjectName) (types.DeploymentMeta, error)
	KillByID(id types.DeploymentID) (types.DeploymentMeta, error)
}

// Server is the authenticated control-plane REST API.
type Server struct {
	deployer Deployer
	users    *users.Registry
	store    storage.Store
	version  string
	logger   zerolog.Logger

	httpServer *http.Server

	// openSecrets is swapped out by tests.
	openSecrets func(ctx context.Context, connStr string) (*factory.SecretStore, error)
}

// NewServer wires the API routes.
func NewServer(addr string, dep Deployer, registry *users.Registry, store storage.Store, version string) *Server {
	s := &Server{
		deployer:    dep,
		users:       registry,
		store:       store,
		version:     version,
		logger:      log.WithComponent("api"),
		openSecrets: factory.OpenSecretStore,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/users/{username}", s.handleCreateUser)

		r.Route("/projects/{project}", func(r chi.Router) {
			r.Post("/", s.handleDeploy)
			r.Get("/", s.handleGetProject)
			r.Delete("/", s.handleDeleteProject)
			r.Post("/secrets", s.handleSetSecrets)
			r.Get("/deployments/{id}", s.handleGetDeployment)
			r.Delete("/deployments/{id}", s.handleDeleteDeployment)
		})
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("api listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router; used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type contextKey string

const userKey contextKey = "user"

// authenticate resolves HTTP Basic credentials: the API key travels as
// the username, the password is ignored.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="berth"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.users.Authenticate(key)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func userFrom(r *http.Request) *users.User {
	u, _ := r.Context().Value(userKey).(*users.User)
	return u
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "Ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, s.version)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !userFrom(r).Admin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	key, err := s.users.GetOrCreateUser(chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, key)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectParam(w, r)
	if !ok {
		return
	}

	// First deploy claims the name; a name owned by another user is a
	// duplicate project from the caller's perspective.
	if err := s.users.ClaimProject(userFrom(r).Name, project); err != nil {
		if errors.Is(err, users.ErrForbidden) {
			writeError(w, http.StatusBadRequest, "project already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	archive, err := io.ReadAll(io.LimitReader(r.Body, maxArchiveBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read archive")
		return
	}
	if len(archive) == 0 {
		writeError(w, http.StatusBadRequest, "empty archive")
		return
	}
	if len(archive) > maxArchiveBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "archive too large")
		return
	}

	meta, err := s.deployer.Deploy(project, archive)
	if err != nil {
		s.writeDeployerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectAccess(w, r)
	if !ok {
		return
	}
	meta, err := s.deployer.GetByProject(project)
	if err != nil {
		s.writeDeployerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectAccess(w, r)
	if !ok {
		return
	}
	meta, err := s.deployer.KillByProject(project)
	if err != nil {
		s.writeDeployerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	project, id, ok := s.deploymentParams(w, r)
	if !ok {
		return
	}
	meta, err := s.deployer.GetByID(id)
	if err != nil || meta.Project != project {
		s.writeDeployerError(w, deployer.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	project, id, ok := s.deploymentParams(w, r)
	if !ok {
		return
	}
	if meta, err := s.deployer.GetByID(id); err != nil || meta.Project != project {
		s.writeDeployerError(w, deployer.ErrNotFound)
		return
	}
	meta, err := s.deployer.KillByID(id)
	if err != nil {
		s.writeDeployerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// handleSetSecrets upserts key/value pairs into the project's tenant
// database. A project without a provisioned database accepts the call
// as a no-op.
func (s *Server) handleSetSecrets(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectAccess(w, r)
	if !ok {
		return
	}

	var secrets map[string]string
	if err := json.NewDecoder(r.Body).Decode(&secrets); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a string-to-string object")
		return
	}

	meta, err := s.deployer.GetByProject(project)
	if err != nil {
		s.writeDeployerError(w, err)
		return
	}

	info, err := s.store.GetDatabase(project)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusOK, meta)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	store, err := s.openSecrets(r.Context(), info.ConnectionStringPrivate())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer store.Close()

	for key, value := range secrets {
		if err := store.Set(r.Context(), key, value); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, meta)
}

// projectParam parses and validates the {project} path segment.
func (s *Server) projectParam(w http.ResponseWriter, r *http.Request) (types.ProjectName, bool) {
	project, err := types.ParseProjectName(chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return project, true
}

// projectAccess additionally enforces ownership.
func (s *Server) projectAccess(w http.ResponseWriter, r *http.Request) (types.ProjectName, bool) {
	project, ok := s.projectParam(w, r)
	if !ok {
		return "", false
	}
	if err := s.users.CanAccessProject(userFrom(r).Name, project); err != nil {
		writeError(w, http.StatusForbidden, "forbidden")
		return "", false
	}
	return project, true
}

func (s *Server) deploymentParams(w http.ResponseWriter, r *http.Request) (types.ProjectName, types.DeploymentID, bool) {
	project, ok := s.projectAccess(w, r)
	if !ok {
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return "", uuid.Nil, false
	}
	return project, id, true
}

func (s *Server) writeDeployerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deployer.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, deployer.ErrBusy):
		writeError(w, http.StatusTooManyRequests, "too many deployments in flight")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
