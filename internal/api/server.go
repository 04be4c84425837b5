// Package api is the HTTP surface of the relay service: stream lifecycle,
// detection queries, the source catalog and the real-time event feed.
package api

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/pvolkov/streamrelay/internal/api/models"
	"github.com/pvolkov/streamrelay/internal/events"
	"github.com/pvolkov/streamrelay/internal/library"
	"github.com/pvolkov/streamrelay/internal/logging"
	"github.com/pvolkov/streamrelay/internal/metadata"
	"github.com/pvolkov/streamrelay/internal/streams"
)

// StreamService is the lifecycle surface the API exposes. Implemented by
// the stream controller; mocked in tests.
type StreamService interface {
	StartStream(id int) (streams.StreamStatus, error)
	StopStream(id int) (streams.StreamStatus, error)
	GetStatus(id int) (streams.StreamStatus, error)
	ListStreams() []streams.StreamStatus
}

// DetectionService is the detection index surface. Implemented by the
// metadata index.
type DetectionService interface {
	Insert(streamID int, records []metadata.Record) (added, remainingBuckets int, err error)
	QueryRange(streamID int, fromPts, toPts int64) []metadata.Bucket
	QueryNearest(streamID int, pts, tolerance int64) ([]events.Detection, int64, bool)
	EvictAged() (streamsCleaned, recordsRemoved int)
}

// SourceService is the catalog surface. Implemented by the library.
type SourceService interface {
	Add(ctx context.Context, name, path string) (library.Source, error)
	Remove(id int) error
	List() []library.Source
}

// Options configures the API server.
type Options struct {
	AuthUsername string
	AuthPassword string

	Streams    StreamService
	Detections DetectionService
	Sources    SourceService
	Bus        *events.Bus

	// PrometheusHandler, when set, is mounted at /metrics without auth.
	PrometheusHandler http.Handler
}

// Server is the Huma v2 API server.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	streams    StreamService
	detections DetectionService
	sources    SourceService
	bus        *events.Bus
	options    *Options
	logger     *slog.Logger
}

// NewServer creates the API server using Go native routing.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("StreamRelay API", "1.0.0")
	config.Info.Description = "Stream lifecycle, packet relay and detection metadata API"
	// Empty servers list makes OpenAPI use relative paths, working with any host.
	config.Servers = []*huma.Server{}

	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := &Server{
		api:        api,
		mux:        mux,
		streams:    opts.Streams,
		detections: opts.Detections,
		sources:    opts.Sources,
		bus:        opts.Bus,
		options:    opts,
		logger:     logging.GetLogger("api"),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)

	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	// Mounted before route registration so CORS handling does not claim it.
	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()

	return server
}

// basicAuthMiddleware enforces HTTP basic auth on operations that declare a
// security requirement. SSE clients that cannot set headers may pass the
// same credentials base64-encoded in the auth query parameter.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		var credentials string

		authHeader := ctx.Header("Authorization")
		if authHeader != "" {
			const prefix = "Basic "
			if !strings.HasPrefix(authHeader, prefix) {
				ctx.SetHeader("WWW-Authenticate", `Basic realm="StreamRelay API"`)
				huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Invalid authentication type")
				return
			}
			decoded, err := base64.StdEncoding.DecodeString(authHeader[len(prefix):])
			if err != nil {
				ctx.SetHeader("WWW-Authenticate", `Basic realm="StreamRelay API"`)
				huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Invalid credentials format", err)
				return
			}
			credentials = string(decoded)
		} else if queryAuth := ctx.Query("auth"); queryAuth != "" {
			decoded, err := base64.StdEncoding.DecodeString(queryAuth)
			if err != nil {
				ctx.SetHeader("WWW-Authenticate", `Basic realm="StreamRelay API"`)
				huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Invalid credentials format", err)
				return
			}
			credentials = string(decoded)
		}

		if credentials == "" {
			ctx.SetHeader("WWW-Authenticate", `Basic realm="StreamRelay API"`)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Authentication required")
			return
		}

		parts := strings.SplitN(credentials, ":", 2)
		if len(parts) != 2 || parts[0] != username || parts[1] != password {
			ctx.SetHeader("WWW-Authenticate", `Basic realm="StreamRelay API"`)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Invalid credentials")
			return
		}

		next(ctx)
	}
}

// GetMux returns the underlying HTTP ServeMux for additional setup.
func (s *Server) GetMux() *http.ServeMux {
	return s.mux
}

// GetAPI returns the Huma API instance.
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start serves the API on the given address, blocking until shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down immediately.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, input *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
			},
		}, nil
	})

	s.registerStreamRoutes()
	s.registerDetectionRoutes()
	s.registerSourceRoutes()
	s.registerSSERoutes()
}

// withAuth returns the security requirement for basic auth.
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}

// mapStreamError maps domain errors to HTTP errors.
func (s *Server) mapStreamError(err error) error {
	if streamErr, ok := err.(*streams.StreamError); ok {
		switch streamErr.Code {
		case streams.ErrCodeStreamNotFound, streams.ErrCodeSourceNotFound:
			return huma.Error404NotFound(streamErr.Message, err)
		case streams.ErrCodeInvalidState:
			return huma.Error409Conflict(streamErr.Message, err)
		case streams.ErrCodeLaunchFailed, streams.ErrCodeProcessCrashed:
			return huma.Error502BadGateway(streamErr.Message, err)
		case streams.ErrCodeConfigError:
			return huma.Error400BadRequest(streamErr.Message, err)
		default:
			return huma.Error500InternalServerError("internal server error", err)
		}
	}
	return huma.Error500InternalServerError("internal server error", err)
}
