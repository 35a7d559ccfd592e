// protocol.go - Wire format of the confidential prover.
//
//   GET  /public_key -> {"TeePublicKey": {"public_key": hex, "attestation_document": base64}}
//   POST /proof {"payload": base64} -> {"EncryptedProof": {"payload": base64}}
//
// The request payload encrypts a padded proveRequest to the service key; the
// response payload encrypts a padded proveResponse to the caller's one-time key.

package tee

import (
	"errors"

	"shielder/internal/circuits"
)

// ErrTransport is returned when the service cannot be reached or answers with an error status.
var ErrTransport = errors.New("confidential prover transport failure")

type teePublicKey struct {
	PublicKey           string `json:"public_key"`
	AttestationDocument string `json:"attestation_document"`
}

type publicKeyResponse struct {
	TeePublicKey *teePublicKey `json:"TeePublicKey"`
}

type encryptedPayload struct {
	Payload string `json:"payload"`
}

type proofResponse struct {
	EncryptedProof *encryptedPayload `json:"EncryptedProof"`
}

// proveRequest is the plaintext of a /proof request. Byte fields are base64 in JSON.
type proveRequest struct {
	CircuitType   circuits.CircuitType `json:"circuit_type"`
	CircuitInputs []byte               `json:"circuit_inputs"`
	UserPublicKey []byte               `json:"user_public_key"`
}

// proveResponse is the plaintext of a /proof response.
type proveResponse struct {
	Proof     []byte `json:"proof"`
	PubInputs []byte `json:"pub_inputs"`
}
