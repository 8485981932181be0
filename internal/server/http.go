package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	jsonwriter "github.com/dgellow/oauth-front/internal/json"
	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/oauth"
)

const probeTimeout = 2 * time.Second

// HTTPServer owns the listener of the authorization server
type HTTPServer struct {
	server *http.Server
}

func NewHTTPServer(handler http.Handler, addr string) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// Start listens on the configured address and serves until Stop. It returns
// nil after a graceful Stop.
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return err
	}
	log.LogInfoWithFields("http", "Listening", map[string]any{
		"addr": ln.Addr().String(),
	})
	if err := h.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx is done
func (h *HTTPServer) Stop(ctx context.Context) error {
	err := h.server.Shutdown(ctx)
	log.LogInfoWithFields("http", "HTTP server stopped", map[string]any{
		"addr":    h.server.Addr,
		"drained":  err == nil,
	})
	return err
}

// Probe reports whether a backend is reachable
type Probe func(ctx context.Context) error

// HealthHandler answers 200 when every probe passes and 503 naming the
// failing backends otherwise
type HealthHandler struct {
	probes map[string]Probe
}

func NewHealthHandler(probes map[string]Probe) *HealthHandler {
	return &HealthHandler{probes: probes}
}

type healthResponse struct {
	Status string            `json:"status"`
	Failed map[string]string `json:"failed,omitempty"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		failed map[string]string
	)
	var g errgroup.Group
	for name, probe := range h.probes {
		g.Go(func() error {
			if err := probe(ctx); err != nil {
				mu.Lock()
				defer mu.Unlock()
				if failed == nil {
					failed = make(map[string]string)
				}
				failed[name] = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		log.LogWarnWithFields("http", "Health check failed", map[string]any{
			"failed": failed,
		})
		_ = jsonwriter.WriteResponse(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Failed: failed})
		return
	}
	_ = jsonwriter.Write(w, healthResponse{Status: "ok"})
}

// MetadataHandlers serves the discovery documents
type MetadataHandlers struct {
	provider *oauth.ProviderConfig
}

func NewMetadataHandlers(provider *oauth.ProviderConfig) *MetadataHandlers {
	return &MetadataHandlers{provider: provider}
}

// AuthorizationServerHandler serves RFC 8414 metadata
func (h *MetadataHandlers) AuthorizationServerHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, oauth.AuthorizationServerMetadata)
}

func (h *MetadataHandlers) OpenIDConfigurationHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, oauth.OpenIDConfiguration)
}

func (h *MetadataHandlers) write(w http.ResponseWriter, build func(*oauth.ProviderConfig) (map[string]any, error)) {
	metadata, err := build(h.provider)
	if err != nil {
		log.LogErrorWithFields("http", "Failed to build discovery metadata", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = jsonwriter.Write(w, metadata)
}
