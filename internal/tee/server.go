// server.go - Development confidential prover.
//
// Serves the same endpoints as the enclave service: a public key (optionally
// attested) and encrypted proving. Proofs are computed by any circuits.Prover.

package tee

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"shielder/internal/circuits"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	RequestPadding  int
	ResponsePadding int
	// RateLimit is the sustained /proof rate per caller; zero disables limiting.
	RateLimit rate.Limit
	Burst     int
	// Attester, when set, attests the served key.
	Attester Attester
}

// Server is a confidential prover service holding its own key.
type Server struct {
	key      *secp256k1.PrivateKey
	prover   circuits.Prover
	cfg      ServerConfig
	limiter  *callerLimiter
	document string
	log      zerolog.Logger
}

// NewServer generates a service key and returns a server proving with prover.
func NewServer(prover circuits.Prover, cfg ServerConfig, logger zerolog.Logger) (*Server, error) {
	if cfg.RequestPadding == 0 {
		cfg.RequestPadding = DefaultRequestPadding
	}
	if cfg.ResponsePadding == 0 {
		cfg.ResponsePadding = DefaultResponsePadding
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = rate.Inf
	}
	if cfg.Burst == 0 {
		cfg.Burst = 1
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	s := &Server{
		key:     key,
		prover:  prover,
		cfg:     cfg,
		limiter: newCallerLimiter(limit, cfg.Burst, 10000),
		log:     logger.With().Str("component", "tee-server").Logger(),
	}
	if cfg.Attester != nil {
		doc, err := cfg.Attester.Attest(s.PublicKey())
		if err != nil {
			return nil, fmt.Errorf("attesting service key: %w", err)
		}
		s.document = base64.StdEncoding.EncodeToString(doc)
	}
	return s, nil
}

// PublicKey returns the compressed service key.
func (s *Server) PublicKey() []byte {
	return s.key.PubKey().SerializeCompressed()
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /public_key", s.handlePublicKey)
	mux.HandleFunc("POST /proof", s.handleProof)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, publicKeyResponse{TeePublicKey: &teePublicKey{
		PublicKey:           hex.EncodeToString(s.PublicKey()),
		AttestationDocument: s.document,
	}})
}

func caller(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(caller(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	var req encryptedPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		http.Error(w, "payload is not base64", http.StatusBadRequest)
		return
	}
	res, err := s.prove(r, ciphertext)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errProving) {
			status = http.StatusInternalServerError
		}
		s.log.Warn().Err(err).Str("caller", caller(r)).Msg("proof request failed")
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, proofResponse{EncryptedProof: &encryptedPayload{Payload: base64.StdEncoding.EncodeToString(res)}})
}

var errProving = errors.New("proving failed")

func (s *Server) prove(r *http.Request, ciphertext []byte) ([]byte, error) {
	padded, err := Decrypt(s.key, ciphertext)
	if err != nil {
		return nil, err
	}
	plain, err := Unpad(padded, s.cfg.RequestPadding)
	if err != nil {
		return nil, err
	}
	var req proveRequest
	if err := json.Unmarshal(plain, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	userKey, err := ParsePublicKey(req.UserPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid user public key: %w", err)
	}
	proof, err := s.prover.Prove(r.Context(), req.CircuitType, req.CircuitInputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errProving, err)
	}
	out, err := json.Marshal(proveResponse{Proof: proof.Proof, PubInputs: proof.PubInputs})
	if err != nil {
		return nil, err
	}
	paddedOut, err := Pad(out, s.cfg.ResponsePadding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errProving, err)
	}
	s.log.Debug().Stringer("circuit", req.CircuitType).Msg("proof served")
	return Encrypt(userKey, paddedOut)
}
