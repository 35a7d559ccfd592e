package tee

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"shielder/internal/circuits"
	"shielder/internal/circuits/circuitstest"
	"shielder/internal/crypto"
	"shielder/internal/shielder"
	"shielder/internal/transport"
)

func fastRetry() transport.RetryConfig {
	return transport.RetryConfig{MaxRetries: 1, RetryDelay: time.Millisecond, Timeout: 10 * time.Second}
}

func testAdvice(t *testing.T) []byte {
	t.Helper()
	b, err := circuits.EncodeAdvice(&circuits.NewAccountAdvice{
		ID:        crypto.ScalarFromUint64(1),
		Nullifier: crypto.ScalarFromUint64(2),
		Amount:    crypto.ScalarFromUint64(100),
		Token:     crypto.ScalarFromUint64(3),
		MacSalt:   crypto.ScalarFromUint64(4),
	})
	require.NoError(t, err)
	return b
}

func TestECIES(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	msg := []byte("witness bytes")

	ct, err := Encrypt(key.PubKey(), msg)
	require.NoError(t, err)
	require.Len(t, ct, len(msg)+Overhead)

	pt, err := Decrypt(key, ct)
	require.NoError(t, err)
	require.Equal(t, msg, pt)

	other, err := GenerateKey()
	require.NoError(t, err)
	_, err = Decrypt(other, ct)
	require.ErrorIs(t, err, ErrDecryption)

	for _, i := range []int{0, pubKeySize, pubKeySize + nonceSize, len(ct) - 1} {
		tampered := append([]byte(nil), ct...)
		tampered[i] ^= 0x01
		_, err = Decrypt(key, tampered)
		require.ErrorIs(t, err, ErrDecryption, "byte %d", i)
	}
	_, err = Decrypt(key, ct[:Overhead-1])
	require.ErrorIs(t, err, ErrDecryption)
}

func TestPaddingHidesPayloadSize(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	var lengths []int
	for _, n := range []int{0, 1, 700, 5000, DefaultRequestPadding - lengthPrefix} {
		padded, err := Pad(make([]byte, n), DefaultRequestPadding)
		require.NoError(t, err)
		ct, err := Encrypt(key.PubKey(), padded)
		require.NoError(t, err)
		lengths = append(lengths, len(ct))

		pt, err := Decrypt(key, ct)
		require.NoError(t, err)
		inner, err := Unpad(pt, DefaultRequestPadding)
		require.NoError(t, err)
		require.Len(t, inner, n)
	}
	for _, l := range lengths {
		require.Equal(t, DefaultRequestPadding+Overhead, l)
	}

	_, err = Pad(make([]byte, DefaultRequestPadding-lengthPrefix+1), DefaultRequestPadding)
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = Unpad(make([]byte, 10), 11)
	require.Error(t, err)
	bad := make([]byte, 10)
	bad[3] = 7
	_, err = Unpad(bad, 10)
	require.Error(t, err)
}

func TestProofTrafficHasConstantSize(t *testing.T) {
	ctx := context.Background()
	upstream, _, _ := newService(t, ServerConfig{})

	var (
		mu        sync.Mutex
		bodies    []int
		requests  []int
		responses []int
	)
	payloadLen := func(t *testing.T, raw []byte) int {
		var p encryptedPayload
		require.NoError(t, json.Unmarshal(raw, &p))
		ct, err := base64.StdEncoding.DecodeString(p.Payload)
		require.NoError(t, err)
		return len(ct)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /public_key", upstream.Handler())
	mux.HandleFunc("POST /proof", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		rec := httptest.NewRecorder()
		upstream.Handler().ServeHTTP(rec, r)

		mu.Lock()
		bodies = append(bodies, len(body))
		requests = append(requests, payloadLen(t, body))
		var resp proofResponse
		if json.Unmarshal(rec.Body.Bytes(), &resp) == nil && resp.EncryptedProof != nil {
			ct, _ := base64.StdEncoding.DecodeString(resp.EncryptedProof.Payload)
			responses = append(responses, len(ct))
		}
		mu.Unlock()

		w.WriteHeader(rec.Code)
		w.Write(rec.Body.Bytes())
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	c := newClient(t, Config{URL: ts.URL})
	require.NoError(t, c.Init(ctx))

	path := make([]crypto.Scalar, 16)
	for i := range path {
		path[i] = crypto.ScalarFromUint64(uint64(200 + i))
	}
	withdraw, err := circuits.EncodeAdvice(&circuits.SpendAdvice{
		ID:           crypto.ScalarFromUint64(1),
		NullifierOld: crypto.ScalarFromUint64(2),
		BalanceOld:   crypto.ScalarFromUint64(100),
		NullifierNew: crypto.ScalarFromUint64(3),
		Amount:       crypto.ScalarFromUint64(40),
		Token:        crypto.ScalarFromUint64(0),
		Commitment:   circuits.WithdrawCommitment(common.HexToAddress("0xb0b"), common.HexToAddress("0xfee"), big.NewInt(1), big.NewInt(0), big.NewInt(0), []byte("memo")),
		MacSalt:      crypto.ScalarFromUint64(4),
		NoteIndex:    9,
		Path:         path,
	})
	require.NoError(t, err)
	newAccount := testAdvice(t)
	require.Greater(t, len(withdraw), len(newAccount))

	_, err = c.Prove(ctx, circuits.NewAccount, newAccount)
	require.NoError(t, err)
	_, err = c.Prove(ctx, circuits.Withdraw, withdraw)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	require.Equal(t, bodies[0], bodies[1], "request bodies leak the circuit")
	require.Equal(t, []int{DefaultRequestPadding + Overhead, DefaultRequestPadding + Overhead}, requests)
	require.Equal(t, []int{DefaultResponsePadding + Overhead, DefaultResponsePadding + Overhead}, responses)
}

func newService(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server, *circuitstest.Backend) {
	t.Helper()
	backend := circuitstest.New()
	srv, err := NewServer(backend, cfg, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, backend
}

func newClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	cfg.Retry = fastRetry()
	cfg.Logger = zerolog.Nop()
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestProveRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ts, backend := newService(t, ServerConfig{})
	c := newClient(t, Config{URL: ts.URL})

	_, err := c.Prove(ctx, circuits.NewAccount, testAdvice(t))
	require.Error(t, err, "must fail before Init")

	require.NoError(t, c.Init(ctx))
	proof, err := c.Prove(ctx, circuits.NewAccount, testAdvice(t))
	require.NoError(t, err)
	require.NoError(t, backend.Verify(circuits.NewAccount, proof))
	require.Equal(t, 1, backend.ProveCalls(circuits.NewAccount))

	_, err = c.Prove(ctx, circuits.NewAccount, make([]byte, DefaultRequestPadding))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.Equal(t, 1, backend.ProveCalls(circuits.NewAccount))
}

func TestAttestation(t *testing.T) {
	ctx := context.Background()
	pcrs := map[uint][]byte{0: []byte("enclave image"), 8: []byte("signing cert")}
	attester, root, err := NewLocalAttester(pcrs)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(root)
	_, ts, _ := newService(t, ServerConfig{Attester: attester})

	t.Run("accepted", func(t *testing.T) {
		c := newClient(t, Config{URL: ts.URL, RequireAttestation: true, Verifier: &NitroVerifier{Roots: roots, PCRs: pcrs}})
		require.NoError(t, c.Init(ctx))
		_, err := c.Prove(ctx, circuits.NewAccount, testAdvice(t))
		require.NoError(t, err)
	})

	t.Run("wrong measurement", func(t *testing.T) {
		want := map[uint][]byte{0: []byte("other image")}
		c := newClient(t, Config{URL: ts.URL, RequireAttestation: true, Verifier: &NitroVerifier{Roots: roots, PCRs: want}})
		require.ErrorIs(t, c.Init(ctx), shielder.ErrAttestation)
		_, err := c.Prove(ctx, circuits.NewAccount, testAdvice(t))
		require.ErrorIs(t, err, shielder.ErrAttestation)
	})

	t.Run("untrusted root", func(t *testing.T) {
		_, otherRoot, err := NewLocalAttester(nil)
		require.NoError(t, err)
		pool := x509.NewCertPool()
		pool.AddCert(otherRoot)
		c := newClient(t, Config{URL: ts.URL, RequireAttestation: true, Verifier: &NitroVerifier{Roots: pool}})
		require.ErrorIs(t, c.Init(ctx), shielder.ErrAttestation)
	})

	t.Run("missing document", func(t *testing.T) {
		_, plain, _ := newService(t, ServerConfig{})
		c := newClient(t, Config{URL: plain.URL, RequireAttestation: true, Verifier: &NitroVerifier{Roots: roots}})
		require.ErrorIs(t, c.Init(ctx), shielder.ErrConfidentialServiceProtocol)
	})

	t.Run("not required", func(t *testing.T) {
		_, plain, _ := newService(t, ServerConfig{})
		c := newClient(t, Config{URL: plain.URL})
		require.NoError(t, c.Init(ctx))
	})
}

func TestNitroVerifier(t *testing.T) {
	attester, root, err := NewLocalAttester(map[uint][]byte{0: {1, 2, 3}})
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(root)
	v := &NitroVerifier{Roots: roots, PCRs: map[uint][]byte{0: {1, 2, 3}}}
	key := []byte("served key")

	doc, err := attester.Attest(key)
	require.NoError(t, err)
	require.NoError(t, v.Verify(doc, key))
	require.Error(t, v.Verify(doc, []byte("another key")))

	tampered := append([]byte(nil), doc...)
	tampered[len(tampered)-1] ^= 0xff
	require.Error(t, v.Verify(tampered, key))

	require.Error(t, (&NitroVerifier{Roots: roots, Now: func() time.Time { return time.Now().Add(48 * time.Hour) }}).Verify(doc, key))
	require.Error(t, (&NitroVerifier{}).Verify(doc, key))
}

func TestProtocolErrors(t *testing.T) {
	ctx := context.Background()
	upstream, _, _ := newService(t, ServerConfig{})

	serve := func(t *testing.T, proof http.HandlerFunc) *Client {
		mux := http.NewServeMux()
		mux.Handle("GET /public_key", upstream.Handler())
		mux.Handle("POST /proof", proof)
		ts := httptest.NewServer(mux)
		t.Cleanup(ts.Close)
		c := newClient(t, Config{URL: ts.URL})
		require.NoError(t, c.Init(ctx))
		return c
	}

	t.Run("missing EncryptedProof", func(t *testing.T) {
		c := serve(t, func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) })
		_, err := c.Prove(ctx, circuits.Deposit, testAdvice(t))
		require.ErrorIs(t, err, shielder.ErrConfidentialServiceProtocol)
	})

	t.Run("missing payload", func(t *testing.T) {
		c := serve(t, func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"EncryptedProof":{}}`)) })
		_, err := c.Prove(ctx, circuits.Deposit, testAdvice(t))
		require.ErrorIs(t, err, shielder.ErrConfidentialServiceProtocol)
	})

	t.Run("wrong key", func(t *testing.T) {
		c := serve(t, func(w http.ResponseWriter, r *http.Request) {
			stranger, _ := GenerateKey()
			ct, _ := Encrypt(stranger.PubKey(), make([]byte, DefaultResponsePadding))
			json.NewEncoder(w).Encode(proofResponse{EncryptedProof: &encryptedPayload{Payload: base64.StdEncoding.EncodeToString(ct)}})
		})
		_, err := c.Prove(ctx, circuits.Deposit, testAdvice(t))
		require.ErrorIs(t, err, ErrDecryption)
	})

	var calls atomic.Int32
	t.Run("server error is not retried", func(t *testing.T) {
		c := serve(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "enclave down", http.StatusServiceUnavailable)
		})
		_, err := c.Prove(ctx, circuits.Deposit, testAdvice(t))
		require.ErrorIs(t, err, ErrTransport)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("public key missing", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"TeePublicKey":{"attestation_document":""}}`))
		}))
		t.Cleanup(ts.Close)
		c := newClient(t, Config{URL: ts.URL})
		require.ErrorIs(t, c.Init(ctx), shielder.ErrConfidentialServiceProtocol)
	})
}

func TestResponsePaddingMismatch(t *testing.T) {
	ctx := context.Background()
	_, ts, _ := newService(t, ServerConfig{ResponsePadding: 12000})
	c := newClient(t, Config{URL: ts.URL, ResponsePadding: DefaultResponsePadding})
	require.NoError(t, c.Init(ctx))
	_, err := c.Prove(ctx, circuits.NewAccount, testAdvice(t))
	require.ErrorIs(t, err, shielder.ErrConfidentialServiceProtocol)
}

func TestServerRateLimit(t *testing.T) {
	ctx := context.Background()
	srv, ts, _ := newService(t, ServerConfig{RateLimit: rate.Every(time.Hour), Burst: 1})
	c := newClient(t, Config{URL: ts.URL})
	require.NoError(t, c.Init(ctx))

	_, err := c.Prove(ctx, circuits.NewAccount, testAdvice(t))
	require.NoError(t, err)
	_, err = c.Prove(ctx, circuits.NewAccount, testAdvice(t))
	require.ErrorIs(t, err, ErrTransport)
	require.Less(t, srv.limiter.Tokens("127.0.0.1"), 1.0)
}
