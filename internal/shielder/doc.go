// Package shielder holds the account state model of the shielded pool client.
//
// Overview:
//   - Per token, a user's balance lives in a private hash chain of notes
//   - The ledger stores only Merkle-indexed note hashes and spent nullifier hashes
//   - AccountState is mutated only by applying one discovered transition at a time
//
// Invariants:
//   - Nonce starts at 0 and grows by exactly one per applied transition
//   - CurrentNote = H(NoteVersion, ID, nullifier(ID, Nonce-1), Balance, Token)
//   - CurrentNoteIndex is known only once the note has been observed on chain
//
// The package is free of I/O; synchronization lives in internal/state and
// transition construction in internal/actions.
package shielder
