// Package tee talks to a confidential prover running in a trusted execution
// environment, and provides a development implementation of that service.
package tee

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"shielder/internal/circuits"
	"shielder/internal/metrics"
	"shielder/internal/shielder"
	"shielder/internal/transport"
)

// Config configures a Client.
type Config struct {
	URL                string
	RequireAttestation bool
	Verifier           AttestationVerifier
	RequestPadding     int
	ResponsePadding    int
	Retry              transport.RetryConfig
	Logger             zerolog.Logger
}

// Client is a circuits.Prover backed by the confidential prover. The service
// key is validated once per Init and reused for every Prove call.
type Client struct {
	cfg     Config
	baseURL *url.URL
	http    *retryablehttp.Client
	log     zerolog.Logger

	mu        sync.RWMutex
	serverKey *secp256k1.PublicKey
	unusable  error
}

var _ circuits.Prover = (*Client)(nil)

// NewClient returns an uninitialized client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RequestPadding == 0 {
		cfg.RequestPadding = DefaultRequestPadding
	}
	if cfg.ResponsePadding == 0 {
		cfg.ResponsePadding = DefaultResponsePadding
	}
	if cfg.RequestPadding <= lengthPrefix || cfg.ResponsePadding <= lengthPrefix {
		return nil, fmt.Errorf("padding sizes must exceed %d bytes", lengthPrefix)
	}
	if cfg.RequireAttestation && cfg.Verifier == nil {
		return nil, errors.New("attestation is required but no verifier is configured")
	}
	baseURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing prover address: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}
	log := cfg.Logger.With().Str("component", "tee").Stringer("url", baseURL).Logger()
	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		http:    transport.NewRetryClient(cfg.Retry, log),
		log:     log,
	}, nil
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", shielder.ErrConfidentialServiceProtocol, fmt.Sprintf(format, args...))
}

// Init fetches and validates the service key. A failed attestation leaves the
// client unusable until the next successful Init.
func (c *Client) Init(ctx context.Context) (err error) {
	defer func() { metrics.RecordTeeRequest("public_key", err) }()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath("/public_key").String(), nil)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	body, err := readBody(res)
	if err != nil {
		return err
	}
	var pk publicKeyResponse
	if err := json.Unmarshal(body, &pk); err != nil {
		return protocolError("decoding public key response: %v", err)
	}
	if pk.TeePublicKey == nil {
		return protocolError("missing TeePublicKey field")
	}
	if pk.TeePublicKey.PublicKey == "" {
		return protocolError("missing public key")
	}
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(pk.TeePublicKey.PublicKey, "0x"))
	if err != nil {
		return protocolError("public key is not hex: %v", err)
	}
	key, err := ParsePublicKey(keyBytes)
	if err != nil {
		return protocolError("invalid public key: %v", err)
	}

	if c.cfg.RequireAttestation {
		if pk.TeePublicKey.AttestationDocument == "" {
			return protocolError("missing attestation document")
		}
		doc, err := base64.StdEncoding.DecodeString(pk.TeePublicKey.AttestationDocument)
		if err != nil {
			return protocolError("attestation document is not base64: %v", err)
		}
		if err := c.cfg.Verifier.Verify(doc, keyBytes); err != nil {
			err = fmt.Errorf("%w: %v", shielder.ErrAttestation, err)
			c.mu.Lock()
			c.serverKey, c.unusable = nil, err
			c.mu.Unlock()
			c.log.Error().Err(err).Msg("prover attestation rejected")
			return err
		}
	}

	c.mu.Lock()
	c.serverKey, c.unusable = key, nil
	c.mu.Unlock()
	c.log.Info().Bool("attested", c.cfg.RequireAttestation).Msg("prover key accepted")
	return nil
}

func readBody(res *http.Response) ([]byte, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrTransport, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %s, body: %s", ErrTransport, res.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *Client) key() (*secp256k1.PublicKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.unusable != nil {
		return nil, c.unusable
	}
	if c.serverKey == nil {
		return nil, errors.New("confidential prover is not initialized")
	}
	return c.serverKey, nil
}

// Prove implements circuits.Prover. Each call uses a fresh one-time key and
// is sent once; callers may retry the whole call.
func (c *Client) Prove(ctx context.Context, t circuits.CircuitType, advice []byte) (proof *circuits.Proof, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordTeeRequest("proof", err)
		metrics.RecordProof(t.String(), "tee", time.Since(start), err)
	}()

	serverKey, err := c.key()
	if err != nil {
		return nil, err
	}
	userKey, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	defer userKey.Zero()

	plain, err := json.Marshal(proveRequest{
		CircuitType:   t,
		CircuitInputs: advice,
		UserPublicKey: userKey.PubKey().SerializeCompressed(),
	})
	if err != nil {
		return nil, err
	}
	padded, err := Pad(plain, c.cfg.RequestPadding)
	if err != nil {
		return nil, err
	}
	sealed, err := Encrypt(serverKey, padded)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(encryptedPayload{Payload: base64.StdEncoding.EncodeToString(sealed)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath("/proof").String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resBody, err := readBody(res)
	if err != nil {
		return nil, err
	}

	var pr proofResponse
	if err := json.Unmarshal(resBody, &pr); err != nil {
		return nil, protocolError("decoding proof response: %v", err)
	}
	if pr.EncryptedProof == nil {
		return nil, protocolError("missing EncryptedProof field")
	}
	if pr.EncryptedProof.Payload == "" {
		return nil, protocolError("missing payload")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(pr.EncryptedProof.Payload)
	if err != nil {
		return nil, protocolError("payload is not base64: %v", err)
	}
	decrypted, err := Decrypt(userKey, ciphertext)
	if err != nil {
		return nil, err
	}
	inner, err := Unpad(decrypted, c.cfg.ResponsePadding)
	if err != nil {
		return nil, protocolError("%v", err)
	}
	var out proveResponse
	if err := json.Unmarshal(inner, &out); err != nil {
		return nil, protocolError("decoding proof: %v", err)
	}
	if len(out.Proof) == 0 || len(out.PubInputs) == 0 {
		return nil, protocolError("proof or public inputs missing")
	}
	c.log.Debug().Stringer("circuit", t).Dur("took", time.Since(start)).Msg("remote proof received")
	return &circuits.Proof{Proof: out.Proof, PubInputs: out.PubInputs}, nil
}
