package sandbox

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/activity/internal/platform/auth"
	"github.com/ehr/activity/internal/platform/fhir"
	"github.com/ehr/activity/internal/platform/fhirclient"
)

// Config describes one sandbox server.
type Config struct {
	GroupID   string
	ClientID  string
	PublicKey *rsa.PublicKey
	// ReadyAfter is the number of 202 status responses before a job completes.
	ReadyAfter int
	// PerFile bounds the number of resources per output file.
	PerFile int
	Seed    SeedConfig
	Now     func() time.Time
}

// Server is an in-memory bulk export FHIR server with a backend services
// token endpoint.
type Server struct {
	echo    *echo.Echo
	groupID string
	data    *Dataset
	exports *ExportManager
	tokens  *auth.BackendServiceManager
	logger  zerolog.Logger

	mu        sync.RWMutex
	publicURL string
}

// New builds a Server. Call SetPublicURL once the listening address is known
// so assertion audiences and returned URLs match what clients use.
func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	signingKey := make([]byte, 32)
	if _, err := rand.Read(signingKey); err != nil {
		return nil, fmt.Errorf("generating token signing key: %w", err)
	}

	data := Generate(cfg.Seed, cfg.Now)
	s := &Server{
		echo:    echo.New(),
		groupID: cfg.GroupID,
		data:    data,
		exports: NewExportManager(data, cfg.ReadyAfter, cfg.PerFile),
		tokens:  auth.NewBackendServiceManager(signingKey, ""),
		logger:  logger,
	}
	s.tokens.RegisterClient(cfg.ClientID, cfg.PublicKey)

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.registerRoutes()
	return s, nil
}

// SetPublicURL sets the externally visible base URL, without trailing slash.
func (s *Server) SetPublicURL(u string) {
	u = strings.TrimRight(u, "/")
	s.mu.Lock()
	s.publicURL = u
	s.mu.Unlock()
	s.tokens.SetTokenURL(u + "/auth/token")
}

func (s *Server) base() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicURL
}

// TokenURL is the token endpoint clients must use as assertion audience.
func (s *Server) TokenURL() string { return s.base() + "/auth/token" }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Echo exposes the router for serving.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Exports returns the job manager.
func (s *Server) Exports() *ExportManager { return s.exports }

// Data returns the seeded data set.
func (s *Server) Data() *Dataset { return s.data }

func (s *Server) registerRoutes() {
	s.echo.POST("/auth/token", auth.TokenHandler(s.tokens))

	api := s.echo.Group("", auth.RequireBearer(s.tokens))
	api.GET("/R4/Group/:id/$export", s.GroupExport)
	api.GET("/R4/Patient/:id", s.ReadPatient)
	api.GET("/bulk/status/:job", s.ExportStatus)
	api.DELETE("/bulk/status/:job", s.DeleteExport)
	api.GET("/bulk/files/:job/:file", s.ExportFile)
}

// GroupExport handles GET /R4/Group/:id/$export.
func (s *Server) GroupExport(c echo.Context) error {
	if prefer := c.Request().Header.Get("Prefer"); !strings.Contains(prefer, "respond-async") {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("Prefer header must include respond-async for bulk export"))
	}
	groupID := c.Param("id")
	if groupID != s.groupID {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Group", groupID))
	}

	var types []string
	for _, t := range strings.Split(c.QueryParam("_type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	base := s.base()
	job, err := s.exports.KickOff(groupID, types, base+c.Request().URL.RequestURI(), func(jobID, name string) string {
		return fmt.Sprintf("%s/bulk/files/%s/%s", base, jobID, name)
	})
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	s.logger.Info().Str("job", job.ID).Strs("types", job.ResourceTypes).Msg("sandbox export started")

	c.Response().Header().Set("Content-Location", fmt.Sprintf("%s/bulk/status/%s", base, job.ID))
	return c.NoContent(http.StatusAccepted)
}

// ExportStatus handles GET /bulk/status/:job.
func (s *Server) ExportStatus(c echo.Context) error {
	job, ready, err := s.exports.Poll(c.Param("job"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.ErrorOutcome(err.Error()))
	}
	if !ready {
		c.Response().Header().Set("X-Progress", fmt.Sprintf("poll %d", job.Polls))
		c.Response().Header().Set("Retry-After", "10")
		return c.NoContent(http.StatusAccepted)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"transactionTime":     job.CreatedAt.Format(time.RFC3339),
		"request":             job.RequestURL,
		"requiresAccessToken": true,
		"output":              job.Output,
		"error":               []interface{}{},
	})
}

// DeleteExport handles DELETE /bulk/status/:job.
func (s *Server) DeleteExport(c echo.Context) error {
	if err := s.exports.DeleteJob(c.Param("job")); err != nil {
		return c.JSON(http.StatusNotFound, fhir.ErrorOutcome(err.Error()))
	}
	return c.NoContent(http.StatusAccepted)
}

// ExportFile handles GET /bulk/files/:job/:file, gzip-encoded when the client
// accepts it.
func (s *Server) ExportFile(c echo.Context) error {
	data, err := s.exports.File(c.Param("job"), c.Param("file"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.ErrorOutcome(err.Error()))
	}

	if !strings.Contains(c.Request().Header.Get("Accept-Encoding"), "gzip") {
		return c.Blob(http.StatusOK, fhirclient.MediaTypeFHIRNDJSON, data)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, fhirclient.MediaTypeFHIRNDJSON)
	res.Header().Set(echo.HeaderContentEncoding, "gzip")
	res.Header().Add(echo.HeaderVary, echo.HeaderAcceptEncoding)
	res.WriteHeader(http.StatusOK)
	zw := gzip.NewWriter(res)
	if _, err := zw.Write(data); err != nil {
		return err
	}
	return zw.Close()
}

// ReadPatient handles GET /R4/Patient/:id.
func (s *Server) ReadPatient(c echo.Context) error {
	id := c.Param("id")
	p, ok := s.data.Patient(id)
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Patient", id))
	}
	return c.JSON(http.StatusOK, p)
}
