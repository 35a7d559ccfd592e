// attestation.go - Nitro-style attestation documents.
//
// A document is a COSE_Sign1 structure (optionally CBOR tag 18) whose payload is a
// CBOR map carrying the enclave measurements (PCRs), the signing certificate with
// its CA bundle and the public key the enclave serves. The signature is ES384.

package tee

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	coseSign1Tag = 18
	algES384     = -35
)

// AttestationVerifier validates an attestation document for a served public key.
type AttestationVerifier interface {
	Verify(document, publicKey []byte) error
}

type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

type coseHeader struct {
	Alg int64 `cbor:"1,keyasint,omitempty"`
}

// AttestationDocument is the signed payload of an attestation.
type AttestationDocument struct {
	ModuleID    string          `cbor:"module_id"`
	Digest      string          `cbor:"digest"`
	Timestamp   uint64          `cbor:"timestamp"` // unix milliseconds
	PCRs        map[uint][]byte `cbor:"pcrs"`
	Certificate []byte          `cbor:"certificate"`
	CABundle    [][]byte        `cbor:"cabundle"`
	PublicKey   []byte          `cbor:"public_key,omitempty"`
	UserData    []byte          `cbor:"user_data,omitempty"`
	Nonce       []byte          `cbor:"nonce,omitempty"`
}

func sigStructure(protected, payload []byte) ([]byte, error) {
	return cbor.Marshal([]any{"Signature1", protected, []byte{}, payload})
}

// parseAttestation decodes a document without verifying it.
func parseAttestation(document []byte) (*coseSign1, *AttestationDocument, error) {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(document, &tag); err == nil {
		if tag.Number != coseSign1Tag {
			return nil, nil, fmt.Errorf("unexpected CBOR tag %d", tag.Number)
		}
		document = tag.Content
	}
	var msg coseSign1
	if err := cbor.Unmarshal(document, &msg); err != nil {
		return nil, nil, fmt.Errorf("decoding COSE_Sign1: %w", err)
	}
	var doc AttestationDocument
	if err := cbor.Unmarshal(msg.Payload, &doc); err != nil {
		return nil, nil, fmt.Errorf("decoding attestation payload: %w", err)
	}
	return &msg, &doc, nil
}

// NitroVerifier checks documents against a trusted root and expected PCR values.
type NitroVerifier struct {
	Roots *x509.CertPool
	PCRs  map[uint][]byte
	// Now overrides the verification time; nil uses the document timestamp.
	Now func() time.Time
}

// Verify implements AttestationVerifier.
func (v *NitroVerifier) Verify(document, publicKey []byte) error {
	if v.Roots == nil {
		return errors.New("no trusted root configured")
	}
	msg, doc, err := parseAttestation(document)
	if err != nil {
		return err
	}
	var hdr coseHeader
	if err := cbor.Unmarshal(msg.Protected, &hdr); err != nil {
		return fmt.Errorf("decoding protected header: %w", err)
	}
	if hdr.Alg != algES384 {
		return fmt.Errorf("unsupported signature algorithm %d", hdr.Alg)
	}

	leaf, err := x509.ParseCertificate(doc.Certificate)
	if err != nil {
		return fmt.Errorf("parsing signing certificate: %w", err)
	}
	intermediates := x509.NewCertPool()
	for i, der := range doc.CABundle {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("parsing CA bundle entry %d: %w", i, err)
		}
		intermediates.AddCert(cert)
	}
	at := time.UnixMilli(int64(doc.Timestamp))
	if v.Now != nil {
		at = v.Now()
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.Roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("certificate chain: %w", err)
	}

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P384() {
		return errors.New("signing certificate does not hold a P-384 key")
	}
	if len(msg.Signature) != 96 {
		return fmt.Errorf("signature is %d bytes, expected 96", len(msg.Signature))
	}
	tbs, err := sigStructure(msg.Protected, msg.Payload)
	if err != nil {
		return err
	}
	digest := sha512.Sum384(tbs)
	r := new(big.Int).SetBytes(msg.Signature[:48])
	s := new(big.Int).SetBytes(msg.Signature[48:])
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return errors.New("invalid document signature")
	}

	for idx, want := range v.PCRs {
		if got := doc.PCRs[idx]; !bytes.Equal(got, want) {
			return fmt.Errorf("PCR%d is %x, expected %x", idx, got, want)
		}
	}
	if !bytes.Equal(doc.PublicKey, publicKey) {
		return errors.New("attested public key differs from the served key")
	}
	return nil
}
