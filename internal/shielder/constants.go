package shielder

import "shielder/internal/crypto"

// ContractVersion is the pool contract version this client builds calldata for.
const ContractVersion uint32 = 0x000101

// NoteVersion is the first input of every note hash.
const NoteVersion = crypto.NoteVersion

// FirstAccountIndex is the first account slot probed by a full sync.
const FirstAccountIndex uint32 = 0

// StorageSchemaVersion gates persisted account records.
const StorageSchemaVersion uint32 = 2

// ContractVersionBytes returns the 3-byte big-endian encoding used in calldata.
func ContractVersionBytes() [3]byte {
	return [3]byte{byte(ContractVersion >> 16), byte(ContractVersion >> 8), byte(ContractVersion & 0xff)}
}
