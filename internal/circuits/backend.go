// backend.go - Local groth16 prove/verify over BW6-761.
//
// Circuits are compiled lazily, once per type, and their keys are loaded from
// (or set up into) the key directory.

package circuits

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"shielder/internal/metrics"
)

type keySet struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// LocalBackend proves and verifies in-process.
type LocalBackend struct {
	depth  int
	keyDir string
	log    zerolog.Logger

	mu   sync.Mutex
	keys map[CircuitType]*keySet
}

// NewLocalBackend returns a backend for trees of the given depth. An empty keyDir
// keeps keys in memory only.
func NewLocalBackend(depth int, keyDir string, logger zerolog.Logger) *LocalBackend {
	return &LocalBackend{
		depth:  depth,
		keyDir: keyDir,
		log:    logger.With().Str("component", "prover").Str("backend", "local").Logger(),
		keys:   make(map[CircuitType]*keySet),
	}
}

// Depth returns the Merkle depth the spend circuits are compiled for.
func (b *LocalBackend) Depth() int {
	return b.depth
}

// Circuit returns an empty circuit definition of the given type.
func Circuit(t CircuitType, depth int) (frontend.Circuit, error) {
	switch t {
	case NewAccount:
		return &NewAccountCircuit{}, nil
	case Deposit:
		return NewSpendCircuit(depth, false), nil
	case Withdraw:
		return NewSpendCircuit(depth, true), nil
	default:
		return nil, fmt.Errorf("unknown circuit type %d", uint8(t))
	}
}

func (b *LocalBackend) keysFor(t CircuitType) (*keySet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ks, ok := b.keys[t]; ok {
		return ks, nil
	}
	circuit, err := Circuit(t, b.depth)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ccs, err := frontend.Compile(ecc.BW6_761.ScalarField(), r1cs.NewBuilder, circuit)
	if err != nil {
		return nil, fmt.Errorf("circuit compilation failed: %w", err)
	}
	var pkPath, vkPath string
	if b.keyDir != "" {
		pkPath, vkPath = KeyPaths(b.keyDir, t, b.depth)
	}
	pk, vk, loaded, err := SetupOrLoadKeys(ccs, pkPath, vkPath)
	if err != nil {
		return nil, err
	}
	b.log.Info().
		Stringer("circuit", t).
		Int("constraints", ccs.GetNbConstraints()).
		Bool("loaded", loaded).
		Dur("took", time.Since(start)).
		Msg("circuit ready")
	ks := &keySet{ccs: ccs, pk: pk, vk: vk}
	b.keys[t] = ks
	return ks, nil
}

// Warmup compiles every circuit and prepares its keys.
func (b *LocalBackend) Warmup() error {
	for _, t := range AllCircuitTypes {
		if _, err := b.keysFor(t); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}
	return nil
}

// Prove implements Prover.
func (b *LocalBackend) Prove(ctx context.Context, t CircuitType, advice []byte) (p *Proof, err error) {
	start := time.Now()
	defer func() { metrics.RecordProof(t.String(), "local", time.Since(start), err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	assignment, pub, err := assign(t, advice, b.depth)
	if err != nil {
		return nil, err
	}
	ks, err := b.keysFor(t)
	if err != nil {
		return nil, err
	}
	w, err := frontend.NewWitness(assignment, ecc.BW6_761.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}
	proof, err := groth16.Prove(ks.ccs, ks.pk, w)
	if err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}
	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, fmt.Errorf("proof marshaling failed: %w", err)
	}
	pubBytes, err := EncodePubInputs(pub)
	if err != nil {
		return nil, err
	}
	b.log.Debug().Stringer("circuit", t).Dur("took", time.Since(start)).Msg("proof generated")
	return &Proof{Proof: proofBuf.Bytes(), PubInputs: pubBytes}, nil
}

// Verify implements Verifier.
func (b *LocalBackend) Verify(t CircuitType, p *Proof) error {
	if p == nil {
		return fmt.Errorf("nil proof")
	}
	assignment, err := publicAssignment(t, p.PubInputs, b.depth)
	if err != nil {
		return err
	}
	ks, err := b.keysFor(t)
	if err != nil {
		return err
	}
	w, err := frontend.NewWitness(assignment, ecc.BW6_761.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("public witness creation failed: %w", err)
	}
	proof := groth16.NewProof(ecc.BW6_761)
	n, err := proof.ReadFrom(bytes.NewReader(p.Proof))
	if err != nil {
		return fmt.Errorf("proof unmarshaling failed: %w", err)
	}
	if n != int64(len(p.Proof)) {
		return fmt.Errorf("proof has %d trailing bytes", int64(len(p.Proof))-n)
	}
	if err := groth16.Verify(proof, ks.vk, w); err != nil {
		return fmt.Errorf("proof verification failed: %w", err)
	}
	return nil
}

// assign decodes advice into a full assignment and the public inputs it implies.
func assign(t CircuitType, advice []byte, depth int) (frontend.Circuit, any, error) {
	switch t {
	case NewAccount:
		var a NewAccountAdvice
		if err := cbor.Unmarshal(advice, &a); err != nil {
			return nil, nil, fmt.Errorf("failed to decode %s advice: %w", t, err)
		}
		return a.Assignment(), a.Derive(), nil
	case Deposit, Withdraw:
		var a SpendAdvice
		if err := cbor.Unmarshal(advice, &a); err != nil {
			return nil, nil, fmt.Errorf("failed to decode %s advice: %w", t, err)
		}
		if len(a.Path) != depth {
			return nil, nil, fmt.Errorf("merkle path has %d levels, circuit expects %d", len(a.Path), depth)
		}
		c, err := a.Assignment(t == Withdraw)
		if err != nil {
			return nil, nil, err
		}
		pub, err := a.Derive(t == Withdraw)
		if err != nil {
			return nil, nil, err
		}
		return c, pub, nil
	default:
		return nil, nil, fmt.Errorf("unknown circuit type %d", uint8(t))
	}
}

func publicAssignment(t CircuitType, pubInputs []byte, depth int) (frontend.Circuit, error) {
	switch t {
	case NewAccount:
		pub, err := DecodeNewAccountPubInputs(pubInputs)
		if err != nil {
			return nil, err
		}
		return pub.Assignment(), nil
	case Deposit, Withdraw:
		pub, err := DecodeSpendPubInputs(pubInputs)
		if err != nil {
			return nil, err
		}
		return pub.Assignment(depth, t == Withdraw), nil
	default:
		return nil, fmt.Errorf("unknown circuit type %d", uint8(t))
	}
}
