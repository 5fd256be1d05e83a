package solana

import (
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// AccountInfo is the subset of on-chain account state the purchase flow reads.
// This is our domain model, independent of the RPC response format.
type AccountInfo struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
}

// Checkpoint is a recent blockhash a transaction cites, plus the last block
// height at which a transaction citing it can still land.
type Checkpoint struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// IsZero reports whether the checkpoint carries no blockhash.
func (c Checkpoint) IsZero() bool {
	return c.Blockhash == solana.Hash{}
}

// Confirmation is a transaction that reached the requested commitment.
type Confirmation struct {
	Signature     solana.Signature
	Slot          uint64
	Status        rpc.ConfirmationStatusType
	Confirmations *uint64
}

// ParseCommitment maps a config string to an RPC commitment level.
func ParseCommitment(s string) (rpc.CommitmentType, bool) {
	switch rpc.CommitmentType(s) {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
		return rpc.CommitmentType(s), true
	}
	return "", false
}

// reached reports whether a signature status satisfies the commitment.
func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := map[string]int{
		string(rpc.ConfirmationStatusProcessed): 1,
		string(rpc.ConfirmationStatusConfirmed): 2,
		string(rpc.ConfirmationStatusFinalized): 3,
	}
	got, ok := rank[string(status)]
	if !ok {
		return false
	}
	return got >= rank[string(want)]
}
