// keys.go - Groth16 key persistence.
//
// Keys are generated once per circuit and tree depth, then reloaded from disk.
// A fresh setup is not compatible with proofs made under a previous one.

package circuits

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
)

// SaveProvingKey saves a Groth16 proving key to disk.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = pk.WriteTo(f)
	return err
}

// SaveVerifyingKey saves a Groth16 verifying key to disk.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = vk.WriteTo(f)
	return err
}

// LoadProvingKey loads a Groth16 proving key from disk.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BW6_761)
	if _, err := pk.ReadFrom(f); err != nil {
		return nil, err
	}
	return pk, nil
}

// LoadVerifyingKey loads a Groth16 verifying key from disk.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BW6_761)
	if _, err := vk.ReadFrom(f); err != nil {
		return nil, err
	}
	return vk, nil
}

// KeyPaths returns the proving and verifying key files of a circuit in dir.
func KeyPaths(dir string, t CircuitType, depth int) (pkPath, vkPath string) {
	base := fmt.Sprintf("%s_d%d", t, depth)
	return filepath.Join(dir, base+".pk"), filepath.Join(dir, base+".vk")
}

// SetupOrLoadKeys loads keys from disk if both exist; otherwise it runs a setup
// and saves the result. Empty paths skip persistence.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, bool, error) {
	if pkPath != "" && vkPath != "" {
		pk, pkErr := LoadProvingKey(pkPath)
		vk, vkErr := LoadVerifyingKey(vkPath)
		if pkErr == nil && vkErr == nil {
			return pk, vk, true, nil
		}
		for _, err := range []error{pkErr, vkErr} {
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, nil, false, fmt.Errorf("failed to load keys: %w", err)
			}
		}
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, false, fmt.Errorf("groth16 setup failed: %w", err)
	}
	if pkPath == "" || vkPath == "" {
		return pk, vk, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(pkPath), 0o755); err != nil {
		return nil, nil, false, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, nil, false, fmt.Errorf("failed to save proving key: %w", err)
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, nil, false, fmt.Errorf("failed to save verifying key: %w", err)
	}
	return pk, vk, false, nil
}
