package solana

import (
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Well-known program IDs not exported by solana-go.
var (
	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	// MemoProgramID is the SPL Memo program
	MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// Associated Token Account program instruction types. An empty data
// payload is the original Create instruction.
const (
	ATACreateInstruction           = uint8(0)
	ATACreateIdempotentInstruction = uint8(1)
)

// Instruction kinds reported by DescribeTransaction.
const (
	KindCreateAccount           = "create_account"
	KindCreateAccountIdempotent = "create_account_idempotent"
	KindTransfer                = "transfer"
	KindTransferChecked         = "transfer_checked"
	KindMemo                    = "memo"
	KindSystem                  = "system"
	KindUnknown                 = "unknown"
)

// InstructionSummary is a decoded view of one instruction.
type InstructionSummary struct {
	Program  solana.PublicKey   `json:"program"`
	Kind     string             `json:"kind"`
	Accounts []solana.PublicKey `json:"accounts"`
	Amount   uint64             `json:"amount,omitempty"`
	Decimals uint8              `json:"decimals,omitempty"`
	Memo     string             `json:"memo,omitempty"`
}

// TransactionSummary is a decoded view of a whole transaction.
type TransactionSummary struct {
	FeePayer     solana.PublicKey     `json:"fee_payer"`
	Blockhash    solana.Hash          `json:"blockhash"`
	Signatures   int                  `json:"signatures"`
	Instructions []InstructionSummary `json:"instructions"`
}

// DescribeTransaction decodes the instructions of an assembled transaction.
func DescribeTransaction(tx *solana.Transaction) (*TransactionSummary, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	keys := tx.Message.AccountKeys
	if len(keys) == 0 {
		return nil, fmt.Errorf("transaction has no account keys")
	}

	summary := &TransactionSummary{
		FeePayer:     keys[0],
		Blockhash:    tx.Message.RecentBlockhash,
		Signatures:   len(tx.Signatures),
		Instructions: make([]InstructionSummary, 0, len(tx.Message.Instructions)),
	}

	for i, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("instruction %d: program index %d out of bounds", i, ix.ProgramIDIndex)
		}
		accounts := make([]solana.PublicKey, 0, len(ix.Accounts))
		for _, idx := range ix.Accounts {
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("instruction %d: account index %d out of bounds", i, idx)
			}
			accounts = append(accounts, keys[idx])
		}

		s, err := describeInstruction(keys[ix.ProgramIDIndex], accounts, ix.Data)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		summary.Instructions = append(summary.Instructions, s)
	}

	return summary, nil
}

func describeInstruction(program solana.PublicKey, accounts []solana.PublicKey, data []byte) (InstructionSummary, error) {
	s := InstructionSummary{Program: program, Accounts: accounts, Kind: KindUnknown}

	switch {
	case program.Equals(solana.SPLAssociatedTokenAccountProgramID):
		switch {
		case len(data) == 0 || data[0] == ATACreateInstruction:
			s.Kind = KindCreateAccount
		case data[0] == ATACreateIdempotentInstruction:
			s.Kind = KindCreateAccountIdempotent
		}

	case program.Equals(solana.TokenProgramID) || program.Equals(Token2022ProgramID):
		return describeTokenInstruction(s, data)

	case program.Equals(solana.SystemProgramID):
		s.Kind = KindSystem

	case program.Equals(MemoProgramID):
		s.Kind = KindMemo
		s.Memo = parseMemo(data)
	}

	return s, nil
}

func describeTokenInstruction(s InstructionSummary, data []byte) (InstructionSummary, error) {
	if len(data) == 0 {
		return s, fmt.Errorf("empty token instruction data")
	}

	dec := bin.NewBinDecoder(data[1:])
	switch data[0] {
	case TokenProgramTransferInstruction:
		// [0] type, [1..9] amount
		amount, err := dec.ReadUint64(bin.LE)
		if err != nil {
			return s, fmt.Errorf("transfer amount: %w", err)
		}
		s.Kind = KindTransfer
		s.Amount = amount

	case TokenProgramTransferCheckedInstruction:
		// [0] type, [1..9] amount, [9] decimals
		// accounts: source, mint, destination, authority
		amount, err := dec.ReadUint64(bin.LE)
		if err != nil {
			return s, fmt.Errorf("transferChecked amount: %w", err)
		}
		decimals, err := dec.ReadUint8()
		if err != nil {
			return s, fmt.Errorf("transferChecked decimals: %w", err)
		}
		if len(s.Accounts) < 4 {
			return s, fmt.Errorf("transferChecked missing accounts")
		}
		s.Kind = KindTransferChecked
		s.Amount = amount
		s.Decimals = decimals
	}

	return s, nil
}

// parseMemo extracts the memo text from a Memo Program instruction.
// Some memos are base64 encoded, others are plain text.
func parseMemo(data []byte) string {
	memo := string(data)
	if decoded, err := base64.StdEncoding.DecodeString(memo); err == nil && isValidUTF8(decoded) {
		return string(decoded)
	}
	return memo
}

// isValidUTF8 is a cheap heuristic: no NUL bytes.
func isValidUTF8(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}
