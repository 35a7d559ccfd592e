package relayer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// Server exposes a Relayer over the HTTP relayer protocol.
type Server struct {
	relayer Relayer
	log     zerolog.Logger
}

// NewServer returns a server relaying through r.
func NewServer(r Relayer, logger zerolog.Logger) *Server {
	return &Server{relayer: r, log: logger.With().Str("component", "relayer-server").Logger()}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /fee_address", s.handleFeeAddress)
	mux.HandleFunc("POST /quote_fees", s.handleQuote)
	mux.HandleFunc("POST /relay", s.handleRelay)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleFeeAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := s.relayer.Address(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, feeAddressResponse{Address: addr})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	q, err := s.relayer.QuoteFees(r.Context(), req.FeeToken, fromHexBig(req.PocketMoney))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var res quoteResponse
	res.FeeToken = q.FeeToken
	res.FeeDetails.TotalCostFeeToken = hexBig(q.TotalFee)
	res.FeeDetails.GasCostNative = hexBig(q.GasCost)
	res.FeeDetails.RelayCostNative = hexBig(q.RelayCost)
	res.FeeDetails.PocketMoneyNative = hexBig(q.PocketMoney)
	writeJSON(w, res)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	hash, err := s.relayer.Withdraw(r.Context(), req.call())
	switch {
	case errors.Is(err, ErrVersionMismatch):
		http.Error(w, fmt.Sprintf("%s: %v", versionMismatchMarker, err), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Warn().Err(err).Msg("relay rejected")
		http.Error(w, fmt.Sprintf("relay failed: %v", err), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, relayResponse{TxHash: hash})
}
