package tee

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Attester produces attestation documents for a served public key.
type Attester interface {
	Attest(publicKey []byte) ([]byte, error)
}

// LocalAttester signs documents with a locally held certificate. It stands in
// for the enclave's attestation service in development setups.
type LocalAttester struct {
	Key         *ecdsa.PrivateKey
	Certificate []byte   // DER, signed by CABundle[0]
	CABundle    [][]byte // DER, root first
	PCRs        map[uint][]byte
	ModuleID    string
	Now         func() time.Time
}

// NewLocalAttester creates a throwaway root and signing certificate. The root
// is returned so verifiers can trust it.
func NewLocalAttester(pcrs map[uint][]byte) (*LocalAttester, *x509.Certificate, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "shielder dev attestation root"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, nil, err
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "shielder dev enclave"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating signing certificate: %w", err)
	}
	return &LocalAttester{
		Key:         leafKey,
		Certificate: leafDER,
		CABundle:    [][]byte{rootDER},
		PCRs:        pcrs,
		ModuleID:    "shielder-dev",
	}, root, nil
}

// Attest implements Attester.
func (a *LocalAttester) Attest(publicKey []byte) ([]byte, error) {
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}
	payload, err := cbor.Marshal(AttestationDocument{
		ModuleID:    a.ModuleID,
		Digest:      "SHA384",
		Timestamp:   uint64(now.UnixMilli()),
		PCRs:        a.PCRs,
		Certificate: a.Certificate,
		CABundle:    a.CABundle,
		PublicKey:   publicKey,
	})
	if err != nil {
		return nil, err
	}
	protected, err := cbor.Marshal(coseHeader{Alg: algES384})
	if err != nil {
		return nil, err
	}
	tbs, err := sigStructure(protected, payload)
	if err != nil {
		return nil, err
	}
	digest := sha512.Sum384(tbs)
	r, s, err := ecdsa.Sign(rand.Reader, a.Key, digest[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 96)
	r.FillBytes(sig[:48])
	s.FillBytes(sig[48:])
	return cbor.Marshal(cbor.Tag{
		Number: coseSign1Tag,
		Content: coseSign1{
			Protected:   protected,
			Unprotected: cbor.RawMessage{0xa0},
			Payload:     payload,
			Signature:   sig,
		},
	})
}
