// Package status is the read-only observability surface of spec.md §6's
// status API: a small REST surface over the shared consensus record plus a
// websocket feed of commit events. Grounded on the teacher's pkg/api/server.go
// (gorilla/mux router under rs/cors, JSON response helpers) and
// pkg/api/websocket.go (the Hub), generalized away from the perp-DEX
// market/account/order endpoints this engine has no notion of.
package status

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/consensus"
	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// Core is the read surface status needs from consensus.Core.
type Core interface {
	Status() consensus.Status
}

// Server serves the status API. Satisfies consensus.Observer via OnCommit so
// callers can register it directly with Core.AddObserver.
type Server struct {
	core   Core
	store  *block.Store
	hub    *Hub
	router *mux.Router
	logger *zap.SugaredLogger
}

func NewServer(core Core, store *block.Store, logger *zap.SugaredLogger) *Server {
	s := &Server{
		core:   core,
		store:  store,
		hub:    NewHub(logger),
		router: mux.NewRouter(),
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/blocks/{hash}", s.handleGetBlock).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.hub.serveWS)
}

// Handler returns the CORS-wrapped HTTP handler, ready to pass to
// http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	})
	return c.Handler(s.router)
}

// Run starts the hub's broadcast loop. Call before serving traffic.
func (s *Server) Run() { go s.hub.Run() }

// OnCommit satisfies consensus.Observer: every commit is pushed to connected
// websocket clients.
func (s *Server) OnCommit(b *block.Block) {
	s.hub.Broadcast(CommitEvent{Type: "commit", Height: b.Height(), Hash: b.Hash().String()})
}

type statusResponse struct {
	Height      uint64 `json:"height"`
	HQCHeight   uint64 `json:"hqc_height"`
	BLockHeight uint64 `json:"b_lock_height"`
	BExecHeight uint64 `json:"b_exec_height"`
	BLeafHeight uint64 `json:"b_leaf_height"`
	VHeight     uint64 `json:"vheight"`
	Self        uint32 `json:"self"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.core.Status()
	respondJSON(w, statusResponse{
		Height:      st.Height,
		HQCHeight:   st.HQCHeight,
		BLockHeight: st.BLockHeight,
		BExecHeight: st.BExecHeight,
		BLeafHeight: st.BLeafHeight,
		VHeight:     st.VHeight,
		Self:        uint32(st.Self),
	})
}

type blockResponse struct {
	Hash     string `json:"hash"`
	Parent   string `json:"parent"`
	Height   uint64 `json:"height"`
	Proposer uint32 `json:"proposer"`
	BodyLen  int    `json:"body_len"`
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	hashHex := mux.Vars(r)["hash"]
	h, err := parseHashHex(hashHex)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid hash")
		return
	}
	b, ok := s.store.Get(h)
	if !ok {
		respondError(w, http.StatusNotFound, "block not found")
		return
	}
	respondJSON(w, blockResponse{
		Hash:     b.Hash().String(),
		Parent:   b.Header.Parent.String(),
		Height:   b.Height(),
		Proposer: uint32(b.Proposer),
		BodyLen:  len(b.Body),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func parseHashHex(s string) (crypto.Hash, error) {
	var h crypto.Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("status: hash must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}
