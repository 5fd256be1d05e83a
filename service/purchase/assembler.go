package purchase

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/brojonat/hydraico/service/sale"
	"github.com/brojonat/hydraico/service/solana"
	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// Assembler builds purchase transactions for one payment mint.
type Assembler struct {
	mint     solanago.PublicKey
	decimals uint8
}

// NewAssembler creates an assembler transferring mint, which has the given
// number of decimals.
func NewAssembler(mint solanago.PublicKey, decimals uint8) *Assembler {
	return &Assembler{mint: mint, decimals: decimals}
}

// Assemble builds the purchase transaction:
//
//  1. create the payer token account, if it does not exist
//  2. create the treasury token account, if it does not exist
//  3. TransferChecked of the quote's exact base units, payer → treasury
//
// Account creation uses CreateIdempotent so an account created in the
// meantime does not fail the transaction. Errors carry ReasonAssemblyError.
func (a *Assembler) Assemble(quote sale.Quote, res *Resolution, checkpoint solana.Checkpoint, feePayer solanago.PublicKey) (*UnsignedTransaction, error) {
	if res == nil {
		return nil, newError(ReasonAssemblyError, errors.New("missing account resolution"))
	}
	if checkpoint.IsZero() {
		return nil, newError(ReasonAssemblyError, errors.New("missing recent blockhash"))
	}
	if feePayer.IsZero() {
		return nil, newError(ReasonAssemblyError, errors.New("missing fee payer"))
	}
	if !res.Payer.Mint.Equals(a.mint) || !res.Treasury.Mint.Equals(a.mint) {
		return nil, newError(ReasonAssemblyError, fmt.Errorf("resolution is for mint %s, want %s", res.Payer.Mint, a.mint))
	}

	units, err := sale.ToBaseUnits(quote.PaymentAmount, a.decimals)
	if err != nil {
		return nil, newError(ReasonAssemblyError, err)
	}

	var instructions []solanago.Instruction
	if !res.Payer.Exists {
		instructions = append(instructions, createIdempotentInstruction(feePayer, res.Payer))
	}
	if !res.Treasury.Exists && !res.Treasury.Address.Equals(res.Payer.Address) {
		instructions = append(instructions, createIdempotentInstruction(feePayer, res.Treasury))
	}

	transfer, err := token.NewTransferCheckedInstruction(
		units,
		a.decimals,
		res.Payer.Address,
		a.mint,
		res.Treasury.Address,
		res.Payer.Owner,
		[]solanago.PublicKey{},
	).ValidateAndBuild()
	if err != nil {
		return nil, newError(ReasonAssemblyError, fmt.Errorf("build transfer: %w", err))
	}
	instructions = append(instructions, transfer)

	tx, err := solanago.NewTransaction(instructions, checkpoint.Blockhash, solanago.TransactionPayer(feePayer))
	if err != nil {
		return nil, newError(ReasonAssemblyError, fmt.Errorf("build transaction: %w", err))
	}

	return newUnsignedTransaction(tx, checkpoint, feePayer, units)
}

// createIdempotentInstruction builds the associated token program's
// CreateIdempotent instruction. Accounts: funder, account, owner, mint,
// system program, token program.
func createIdempotentInstruction(funder solanago.PublicKey, acct HoldingAccount) solanago.Instruction {
	return solanago.NewInstruction(
		solanago.SPLAssociatedTokenAccountProgramID,
		solanago.AccountMetaSlice{
			solanago.NewAccountMeta(funder, true, true),
			solanago.NewAccountMeta(acct.Address, true, false),
			solanago.NewAccountMeta(acct.Owner, false, false),
			solanago.NewAccountMeta(acct.Mint, false, false),
			solanago.NewAccountMeta(solanago.SystemProgramID, false, false),
			solanago.NewAccountMeta(solanago.TokenProgramID, false, false),
		},
		[]byte{solana.ATACreateIdempotentInstruction},
	)
}

// UnsignedTransaction is an assembled, not yet signed, purchase transaction.
// It is immutable: Transaction returns a fresh copy on every call.
type UnsignedTransaction struct {
	message      []byte
	checkpoint   solana.Checkpoint
	feePayer     solanago.PublicKey
	baseUnits    uint64
	instructions int
}

func newUnsignedTransaction(tx *solanago.Transaction, checkpoint solana.Checkpoint, feePayer solanago.PublicKey, units uint64) (*UnsignedTransaction, error) {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, newError(ReasonAssemblyError, fmt.Errorf("encode message: %w", err))
	}
	return &UnsignedTransaction{
		message:      msg,
		checkpoint:   checkpoint,
		feePayer:     feePayer,
		baseUnits:    units,
		instructions: len(tx.Message.Instructions),
	}, nil
}

// Transaction decodes a fresh, unsigned copy of the transaction.
func (u *UnsignedTransaction) Transaction() (*solanago.Transaction, error) {
	var msg solanago.Message
	if err := msg.UnmarshalWithDecoder(bin.NewBinDecoder(u.message)); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &solanago.Transaction{Message: msg}, nil
}

// Message returns a copy of the serialized message the signer must sign.
func (u *UnsignedTransaction) Message() []byte {
	return bytes.Clone(u.message)
}

func (u *UnsignedTransaction) Checkpoint() solana.Checkpoint { return u.checkpoint }

func (u *UnsignedTransaction) FeePayer() solanago.PublicKey { return u.feePayer }

// BaseUnits is the integer amount moved by the transfer instruction.
func (u *UnsignedTransaction) BaseUnits() uint64 { return u.baseUnits }

func (u *UnsignedTransaction) InstructionCount() int { return u.instructions }

// Verify checks that signed carries the unchanged message and a valid
// signature from every required signer.
func (u *UnsignedTransaction) Verify(signed *solanago.Transaction) error {
	if signed == nil {
		return fmt.Errorf("%w: no transaction returned", ErrSignatureMismatch)
	}
	msg, err := signed.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: encode message: %v", ErrSignatureMismatch, err)
	}
	if !bytes.Equal(msg, u.message) {
		return fmt.Errorf("%w: message was modified", ErrSignatureMismatch)
	}

	required := int(signed.Message.Header.NumRequiredSignatures)
	if len(signed.Signatures) < required {
		return fmt.Errorf("%w: %d of %d signatures", ErrSignatureMismatch, len(signed.Signatures), required)
	}
	for i := 0; i < required; i++ {
		key := signed.Message.AccountKeys[i]
		if !signed.Signatures[i].Verify(key, msg) {
			return fmt.Errorf("%w: invalid signature for %s", ErrSignatureMismatch, key)
		}
	}
	return nil
}
