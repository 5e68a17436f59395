package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sip-router/internal/logger"
	"sip-router/internal/registry"
	"sip-router/internal/storage"
)

// Server exposes the admin and introspection API: gateway CRUD and the
// current registration snapshot.
type Server struct {
	storage   *storage.Storage
	registrar *registry.Registrar
	log       logger.Logger
}

// NewServer creates a new web server instance.
func NewServer(s *storage.Storage, registrar *registry.Registrar, log logger.Logger) *Server {
	return &Server{
		storage:   s,
		registrar: registrar,
		log:       log,
	}
}

// Run serves the API on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api", func(r chi.Router) {
		r.Get("/registrations", s.handleRegistrations)
		r.Get("/gateways", s.handleGatewaysList)
		r.Post("/gateways", s.handleGatewaysCreate)
		r.Delete("/gateways/{ref}", s.handleGatewaysDelete)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// registrationView is the JSON shape of one registration record.
type registrationView struct {
	Username      string    `json:"username"`
	Host          string    `json:"host"`
	IP            string    `json:"ip,omitempty"`
	Expires       int       `json:"expires"`
	RegisteredOn  time.Time `json:"registered_on"`
	RegisteredAgo string    `json:"registered_ago"`
}

func (s *Server) handleRegistrations(w http.ResponseWriter, _ *http.Request) {
	records := s.registrar.Snapshot()
	views := make([]registrationView, 0, len(records))
	for _, rec := range records {
		views = append(views, registrationView{
			Username:      rec.Username,
			Host:          rec.Host,
			IP:            rec.IP,
			Expires:       rec.Expires,
			RegisteredOn:  rec.RegisteredOn,
			RegisteredAgo: rec.RegisteredAgo(),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

// gatewayView is the JSON shape of a gateway; the password never leaves the API.
type gatewayView struct {
	Ref        string   `json:"ref"`
	Name       string   `json:"name"`
	Username   string   `json:"username"`
	Host       string   `json:"host"`
	Transport  string   `json:"transport"`
	Expires    int      `json:"expires,omitempty"`
	Registries []string `json:"registries,omitempty"`
}

func (s *Server) handleGatewaysList(w http.ResponseWriter, _ *http.Request) {
	gateways, err := s.storage.GetGateways()
	if err != nil {
		s.log.Error("could not list gateways", logger.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	views := make([]gatewayView, 0, len(gateways))
	for _, gw := range gateways {
		views = append(views, gatewayView{
			Ref:        gw.Ref,
			Name:       gw.Name,
			Username:   gw.Username,
			Host:       gw.Host,
			Transport:  gw.Transport,
			Expires:    gw.Expires,
			Registries: gw.Registries,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

type gatewayRequest struct {
	Ref        string   `json:"ref"`
	Name       string   `json:"name"`
	Username   string   `json:"username"`
	Password   string   `json:"password"`
	Host       string   `json:"host"`
	Transport  string   `json:"transport"`
	Expires    int      `json:"expires"`
	Registries []string `json:"registries"`
}

func (s *Server) handleGatewaysCreate(w http.ResponseWriter, r *http.Request) {
	var body gatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if body.Ref == "" || body.Host == "" {
		http.Error(w, "ref and host are required", http.StatusBadRequest)
		return
	}
	if body.Transport == "" {
		body.Transport = "udp"
	}

	gw := &storage.Gateway{
		Ref:        body.Ref,
		Name:       body.Name,
		Username:   body.Username,
		Password:   body.Password,
		Host:       body.Host,
		Transport:  body.Transport,
		Expires:    body.Expires,
		Registries: body.Registries,
	}
	if err := s.storage.AddGateway(gw); err != nil {
		s.log.Error("could not add gateway", logger.String("ref", body.Ref), logger.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGatewaysDelete(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if err := s.storage.DeleteGateway(ref); err != nil {
		s.log.Error("could not delete gateway", logger.String("ref", ref), logger.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("could not encode response", logger.Error(err))
	}
}
