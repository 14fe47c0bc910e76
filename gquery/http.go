package gquery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/ginterp"
	"github.com/gordian-engine/gsubnet/gmempool"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstore"
	"github.com/gordian-engine/gsubnet/gtopdown"
	"github.com/gorilla/mux"
)

// Bound on how long a POST /txs may wait for the mempool.
const submitTimeout = 5 * time.Second

type HTTPServer struct {
	done chan struct{}
}

type HTTPServerConfig struct {
	Listener net.Listener

	Service *Service
}

// NewHTTPServer serves [NewHTTPHandler] on cfg.Listener
// until ctx is canceled.
func NewHTTPServer(ctx context.Context, log *slog.Logger, cfg HTTPServerConfig) *HTTPServer {
	srv := &http.Server{
		Handler: NewHTTPHandler(log, cfg.Service),

		ReadHeaderTimeout: 10 * time.Second,

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	h := &HTTPServer{
		done: make(chan struct{}),
	}
	go h.serve(log, cfg.Listener, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

func (h *HTTPServer) Wait() {
	<-h.done
}

func (h *HTTPServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (h *HTTPServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

// SubmitTxResponse is the body of a successful POST /txs.
type SubmitTxResponse struct {
	Hash string `json:"hash"`
}

// NewHTTPHandler routes the query endpoints to s:
//
//	GET  /state_root
//	GET  /state_root/{height}
//	GET  /receipts/{hash}        (hex transaction hash)
//	GET  /checkpoints/latest
//	GET  /certificates/{height}  (checkpoint ToHeight)
//	GET  /topdown/faults
//	POST /txs                    (canonical transaction encoding as the body)
func NewHTTPHandler(log *slog.Logger, s *Service) http.Handler {
	h := handler{log: log, s: s}

	r := mux.NewRouter()
	r.HandleFunc("/state_root", h.HandleStateRoot).Methods("GET")
	r.HandleFunc("/state_root/{height:[0-9]+}", h.HandleStateRootAt).Methods("GET")
	r.HandleFunc("/receipts/{hash}", h.HandleReceipt).Methods("GET")
	r.HandleFunc("/checkpoints/latest", h.HandleLatestCheckpoint).Methods("GET")
	r.HandleFunc("/certificates/{height:[0-9]+}", h.HandleCertificate).Methods("GET")
	r.HandleFunc("/topdown/faults", h.HandleFaults).Methods("GET")
	r.HandleFunc("/txs", h.HandleSubmitTx).Methods("POST")
	return r
}

type handler struct {
	log *slog.Logger
	s   *Service
}

func (h handler) HandleStateRoot(w http.ResponseWriter, _ *http.Request) {
	root, err := h.s.StateRoot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, "state_root", root)
}

func (h handler) HandleStateRootAt(w http.ResponseWriter, req *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(req)["height"], 10, 64)
	if err != nil {
		http.Error(w, "height out of range", http.StatusBadRequest)
		return
	}

	root, err := h.s.StateRootAt(height)
	if err != nil {
		if errors.As(err, new(gstate.RootNotFoundError)) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.log.Warn("Failed to load state root", "route", "state_root", "height", height, "err", err)
		http.Error(w, "failed to load state root", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, "state_root", root)
}

func (h handler) HandleReceipt(w http.ResponseWriter, req *http.Request) {
	hash, err := hex.DecodeString(mux.Vars(req)["hash"])
	if err != nil {
		http.Error(w, "transaction hash must be hex", http.StatusBadRequest)
		return
	}

	rc, err := h.s.Receipt(req.Context(), hash)
	if err != nil {
		if errors.As(err, new(gstore.TxUnknownError)) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.log.Warn("Failed to load receipt", "route", "receipts", "err", err)
		http.Error(w, "failed to load receipt", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, "receipts", rc)
}

func (h handler) HandleLatestCheckpoint(w http.ResponseWriter, req *http.Request) {
	cp, err := h.s.LatestCheckpoint(req.Context())
	if err != nil {
		if errors.Is(err, gstore.ErrStoreUninitialized) {
			http.Error(w, "no checkpoint yet", http.StatusNotFound)
			return
		}
		h.log.Warn("Failed to load latest checkpoint", "route", "checkpoints/latest", "err", err)
		http.Error(w, "failed to load checkpoint", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, "checkpoints/latest", cp)
}

func (h handler) HandleCertificate(w http.ResponseWriter, req *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(req)["height"], 10, 64)
	if err != nil {
		http.Error(w, "height out of range", http.StatusBadRequest)
		return
	}

	cert, err := h.s.Certificate(req.Context(), height)
	if err != nil {
		if errors.As(err, new(gstore.HeightUnknownError)) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.log.Warn("Failed to load certificate", "route", "certificates", "height", height, "err", err)
		http.Error(w, "failed to load certificate", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, "certificates", cert)
}

func (h handler) HandleFaults(w http.ResponseWriter, _ *http.Request) {
	faults, err := h.s.Faults()
	if err != nil {
		h.log.Warn("Failed to load faults", "route", "topdown/faults", "err", err)
		http.Error(w, "failed to load faults", http.StatusInternalServerError)
		return
	}
	if faults == nil {
		faults = []gtopdown.Equivocation{}
	}
	h.writeJSON(w, http.StatusOK, "topdown/faults", faults)
}

func (h handler) HandleSubmitTx(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(req.Body, int64(gchain.DefaultChainParams().MaxBlockBytes)))
	if err != nil {
		h.log.Warn("Failed to read request body", "route", "txs", "err", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), submitTimeout)
	defer cancel()

	hash, err := h.s.SubmitTx(ctx, raw)
	if err != nil {
		switch {
		case errors.As(err, new(ginterp.RejectError)):
			// The submitter's problem; nothing to log.
			http.Error(w, "transaction rejected: "+err.Error(), http.StatusBadRequest)
		case errors.As(err, new(gmempool.DuplicateTxError)):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.As(err, new(gmempool.FullError)):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, ErrReadOnly):
			http.Error(w, err.Error(), http.StatusMethodNotAllowed)
		default:
			h.log.Warn("Failed to submit transaction", "route", "txs", "err", err)
			http.Error(w, "internal error while submitting transaction", http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, "txs", SubmitTxResponse{Hash: hex.EncodeToString(hash)})
}

func (h handler) writeJSON(w http.ResponseWriter, status int, route string, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("Failed to encode response", "route", route, "err", err)
	}
}
