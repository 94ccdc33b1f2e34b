package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ws"
)

// Server wires the realtime surface and the small REST surface onto the
// dispatcher. All collaborators are injected; nothing here reads ambient
// state.
type Server struct {
	Dispatcher *dispatch.Service
	Hub        *ws.Hub
	Registry   *registry.Registry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d *dispatch.Service, hub *ws.Hub, reg *registry.Registry, logger *slog.Logger) *Server {
	s := &Server{Dispatcher: d, Hub: hub, Registry: reg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws/provider/{user_id}", s.handleProviderWS)
	s.mux.HandleFunc("/ws/requester/{user_id}", s.handleRequesterWS)
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleRideRequest is the REST alternative to the requester websocket: it
// creates the ride and reports how many candidates were notified. Zero is a
// valid answer, not a failure.
func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequesterID string `json:"requester_id"`
		models.RequestRidePayload
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.RequesterID == "" {
		http.Error(w, "requester_id required", http.StatusBadRequest)
		return
	}
	ride, n, err := s.Dispatcher.RequestRide(r.Context(), body.RequesterID, body.RequestRidePayload)
	if err != nil {
		status := http.StatusInternalServerError
		if dispatch.ErrorCode(err) == "validation" {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.RideRequestedPayload{RideID: ride.ID, CandidateCount: n})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleProviderWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, roleProvider)
}

func (s *Server) handleRequesterWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, roleRequester)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, role string) {
	userID := mux.Vars(r)["user_id"]
	if userID == "" {
		http.Error(w, "user id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := s.Hub.Add(conn)
	s.Registry.Bind(userID, sess.ID())
	s.logger.Info("ws connected", "role", role, "user", userID, "conn", sess.ID())

	go s.readLoop(role, userID, sess)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
