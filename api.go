package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxRequestBytes = 1 << 20

// APIResponse represents the standard API response format
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    ErrorKind   `json:"kind,omitempty"`
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// APIServer represents the REST API server
type APIServer struct {
	node            *AppNode
	shutdownManager *GracefulShutdown
	port            int
	logger          *zap.Logger
	server          *http.Server
}

// NewAPIServer creates a new API server instance
func NewAPIServer(node *AppNode, shutdownManager *GracefulShutdown, port int, logger *zap.Logger) *APIServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIServer{
		node:            node,
		shutdownManager: shutdownManager,
		port:            port,
		logger:          logger.Named("api"),
	}
}

// Router builds the route table.
func (api *APIServer) Router() http.Handler {
	r := mux.NewRouter()

	voting := r.PathPrefix("/voting").Subrouter()
	voting.HandleFunc("/vote", api.handleSubmitVote).Methods(http.MethodPost)
	voting.HandleFunc("/metrics", api.handleMetrics).Methods(http.MethodGet)
	voting.HandleFunc("/period/current", api.handleCurrentPeriod).Methods(http.MethodGet)
	voting.HandleFunc("/period/{periodId:[0-9]+}", api.handlePeriod).Methods(http.MethodGet)
	voting.HandleFunc("/votes/{address}", api.handleVotesByAddress).Methods(http.MethodGet)
	voting.HandleFunc("/participation/{address}", api.handleParticipation).Methods(http.MethodGet)
	voting.HandleFunc("/schedule", api.handleSchedule).Methods(http.MethodGet)
	voting.HandleFunc("/decide", api.handleDecide).Methods(http.MethodPost)
	voting.HandleFunc("/forks", api.handleForks).Methods(http.MethodPost)
	voting.HandleFunc("/validators/selected", api.handleSelectedValidators).Methods(http.MethodGet)
	voting.HandleFunc("/proposer/{height:[0-9]+}", api.handleProposer).Methods(http.MethodGet)
	voting.HandleFunc("/rewards/{periodId:[0-9]+}", api.handleRewards).Methods(http.MethodGet)

	r.HandleFunc("/validators", api.handleListValidators).Methods(http.MethodGet)
	r.HandleFunc("/validators", api.handleRegisterValidator).Methods(http.MethodPost)

	r.HandleFunc("/health", api.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", api.node.telemetry.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/shutdown/status", api.handleShutdownStatus).Methods(http.MethodGet)
	r.HandleFunc("/shutdown", api.handleShutdown).Methods(http.MethodPost)
	return r
}

// Start starts the API server
func (api *APIServer) Start() error {
	api.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", api.port),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		api.logger.Info("API server starting", zap.Int("port", api.port))
		if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			api.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx expires.
func (api *APIServer) Stop(ctx context.Context) error {
	if api.server == nil {
		return nil
	}
	return api.server.Shutdown(ctx)
}

func (api *APIServer) coordinator() *ConsensusCoordinator {
	return api.node.coordinator
}

func (api *APIServer) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var vote Vote
	if err := decodeBody(w, r, &vote); err != nil {
		api.writeBadRequest(w, err)
		return
	}
	id, err := api.coordinator().SubmitVote(r.Context(), &vote)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, APIResponse{
		Success: true,
		Code:    http.StatusCreated,
		Data:    map[string]string{"voteId": id},
	})
}

func (api *APIServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	periodID, err := optionalUint(r, "periodId")
	if err != nil {
		api.writeBadRequest(w, err)
		return
	}
	m, err := api.coordinator().GetMetrics(r.Context(), periodID)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, APIResponse{Success: true, Data: m})
}

func (api *APIServer) handleCurrentPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := api.coordinator().CurrentPeriod(r.Context())
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, APIResponse{Success: true, Data: p})
}

func (api *APIServer) handlePeriod(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["periodId"], 10, 64)
	if err != nil {
		api.writeBadRequest(w, err)
		return
	}
	p, err := api.coordinator().Period(r.Context(), id)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, APIResponse{Success: true, Data: p})
}

func (api *APIServer) handleVotesByAddress(w http.ResponseWriter, r *http.Request) {
	votes, err := api.coordinator().GetVotesByAddress(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		api.writeError(w, err)
		return
	}
	if votes == nil {
		votes = []*Vote{}
	}
	api.writeJSON(w, APIResponse{Success: true, Data: votes})
}

func (api *APIServer) handleParticipation(w http.ResponseWriter, r *http.Request) {
	periodID, err := optionalUint(r, "periodId")
	if err != nil {
		api.writeBadRequest(w, err)
		return
	}
	address := mux.Vars(r)["address"]
	ok, err := api.coordinator().HasParticipated(r.Context(), address, periodID)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, APIResponse{
		Success: true,
		Data:    map[string]interface{}{"address": address, "hasParticipated": ok},
	})
}

func (api *APIServer) handleSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := api.coordinator().GetSchedule(r.Context())
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, APIResponse{Success: true, Data: s})
}

// handleDecide answers 200 for accepted and rejected decisions. An indeterminate
// decision is returned with 503 so it is never mistaken for a result.
func (api *APIServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	var candidate Candidate
	if err := decodeBody(w, r, &candidate); err != nil {
		api.writeBadRequest(w, err)
		return
	}
	d, err := api.coordinator().Decide(r.Context(), candidate)
	if err != nil {
		kind := KindOf(err)
		api.writeJSON(w, APIResponse{
			Success: false,
			Data:    d,
			Error:   err.Error(),
			Kind:    kind,
			Code:    kind.HTTPStatus(),
		})
		return
	}
	api.writeJSON(w, APIResponse{Success: true, Data: d})
}

func (api *APIServer) handleForks(w http.ResponseWriter, r *http.Request) {
	var forks []ForkCandidate
	if err := decodeBody(w, r, &forks); err != nil {
		api.writeBadRequest(w, err)
		return
	}
	best, all, err := api.coordinator().SelectFork(r.Context(), forks)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, APIResponse{
		Success: true,
		Data:    map[string]interface{}{"selected": best, "weights": all},
	})
}

func (api *APIServer) handleSelectedValidators(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			api.writeBadRequest(w, err)
			return
		}
		n = parsed
	}
	members, err := api.coordinator().SelectValidators(r.Context(), n)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, APIResponse{Success: true, Data: members})
}

func (api *APIServer) handleProposer(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		api.writeBadRequest(w, err)
		return
	}
	v, err := api.coordinator().ProposerFor(r.Context(), height)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, APIResponse{Success: true, Data: v})
}

func (api *APIServer) handleRewards(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["periodId"], 10, 64)
	if err != nil {
		api.writeBadRequest(w, err)
		return
	}
	q := r.URL.Query()
	if q.Get("miner") == "" {
		api.writeBadRequest(w, errors.New("miner query parameter is required"))
		return
	}
	dist, err := api.coordinator().IssueReward(r.Context(), id, Amount(q.Get("total")), q.Get("miner"))
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, APIResponse{Success: true, Data: dist})
}

func (api *APIServer) handleListValidators(w http.ResponseWriter, r *http.Request) {
	validators, err := api.node.vr.ListValidators()
	if err != nil {
		api.writeError(w, err)
		return
	}
	if validators == nil {
		validators = []*Validator{}
	}
	api.writeJSON(w, APIResponse{Success: true, Data: validators})
}

func (api *APIServer) handleRegisterValidator(w http.ResponseWriter, r *http.Request) {
	var v Validator
	if err := decodeBody(w, r, &v); err != nil {
		api.writeBadRequest(w, err)
		return
	}
	if err := api.node.vr.RegisterValidator(&v); err != nil {
		api.writeBadRequest(w, err)
		return
	}
	api.logger.Info("validator registered", zap.String("address", v.Address))
	api.writeJSON(w, APIResponse{Success: true, Code: http.StatusCreated, Data: v})
}

// handleHealth handles the health check endpoint
func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"node_id":   api.node.address.ToHex(),
		"status":    "healthy",
		"uptime":    time.Since(api.node.started).Round(time.Second).String(),
		"timestamp": time.Now().Unix(),
	}
	if s, err := api.coordinator().GetSchedule(r.Context()); err == nil {
		data["height"] = s.CurrentHeight
		data["period"] = s.CurrentPeriod.PeriodID
	} else {
		data["status"] = "degraded"
		data["error"] = err.Error()
	}
	api.writeJSON(w, APIResponse{Success: true, Data: data})
}

func (api *APIServer) handleShutdownStatus(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, APIResponse{Success: true, Data: api.shutdownManager.Status()})
}

func (api *APIServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, APIResponse{Success: true, Message: "Shutdown initiated"})
	go func() {
		time.Sleep(100 * time.Millisecond) // Give response time to be sent
		_ = api.shutdownManager.Shutdown("API request")
	}()
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func optionalUint(r *http.Request, name string) (*uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return &n, nil
}

func (api *APIServer) writeBadRequest(w http.ResponseWriter, err error) {
	api.writeJSON(w, APIResponse{Success: false, Error: err.Error(), Code: http.StatusBadRequest})
}

// writeError maps a core error onto its status code. The message always carries the kind.
func (api *APIServer) writeError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	var ve *VoteError
	if !errors.As(err, &ve) {
		err = asVoteError(err)
	}
	if kind.Class() == ClassResource {
		api.logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	api.writeJSON(w, APIResponse{
		Success: false,
		Error:   err.Error(),
		Kind:    kind,
		Code:    kind.HTTPStatus(),
	})
}

func (api *APIServer) writeJSON(w http.ResponseWriter, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")

	// Set status code if provided
	if response.Code != 0 {
		w.WriteHeader(response.Code)
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		api.logger.Warn("failed to write response", zap.Error(err))
	}
}
