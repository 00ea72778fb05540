package types

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"
)

// FragmentType defines the purpose of a fragment.
type FragmentType uint8

const (
	FragmentTransfer FragmentType = 0x01 // value transfer to another account
	FragmentVoteCast FragmentType = 0x02 // ballot for one governance proposal
)

func (t FragmentType) String() string {
	switch t {
	case FragmentTransfer:
		return "transfer"
	case FragmentVoteCast:
		return "vote_cast"
	default:
		return fmt.Sprintf("fragment(%d)", uint8(t))
	}
}

var (
	ErrUnsigned        = errors.New("fragment is not signed")
	ErrBadSignature    = errors.New("fragment signature does not verify")
	ErrSignerMismatch  = errors.New("signer does not own the fragment account")
	ErrUnknownFragment = errors.New("unknown fragment type")
)

// Signer produces Ed25519 signatures for an account.
type Signer interface {
	PublicKey() []byte
	Sign(msg []byte) []byte
}

// TxBody is the signed portion of a fragment. Fields not used by the
// fragment type are left zero.
type TxBody struct {
	Type       FragmentType
	Account    AccountID
	Counter    uint32
	ValidUntil BlockDate
	Fee        Value

	// transfer
	To     []byte
	Amount Value

	// vote cast
	VotePlanID    string
	ProposalIndex uint8
	Choice        uint8
}

// Transaction is a signed fragment ready to be submitted.
type Transaction struct {
	Body      TxBody
	Signature []byte
}

// NewVoteCast builds an unsigned vote for one proposal of a vote plan.
func NewVoteCast(account AccountID, counter uint32, validUntil BlockDate, fee Value, votePlanID string, proposalIndex, choice uint8) *Transaction {
	return &Transaction{Body: TxBody{
		Type:          FragmentVoteCast,
		Account:       account,
		Counter:       counter,
		ValidUntil:    validUntil,
		Fee:           fee,
		VotePlanID:    votePlanID,
		ProposalIndex: proposalIndex,
		Choice:        choice,
	}}
}

// NewTransfer builds an unsigned transfer of amount to the given account.
func NewTransfer(account AccountID, counter uint32, validUntil BlockDate, fee Value, to AccountID, amount Value) *Transaction {
	return &Transaction{Body: TxBody{
		Type:       FragmentTransfer,
		Account:    account,
		Counter:    counter,
		ValidUntil: validUntil,
		Fee:        fee,
		To:         to.Bytes(),
		Amount:     amount,
	}}
}

// Debit is the total value the fragment removes from the account.
func (tx *Transaction) Debit() (Value, error) {
	switch tx.Body.Type {
	case FragmentTransfer:
		total, ok := tx.Body.Amount.CheckedAdd(tx.Body.Fee)
		if !ok {
			return 0, fmt.Errorf("transfer amount overflows")
		}
		return total, nil
	case FragmentVoteCast:
		return tx.Body.Fee, nil
	default:
		return 0, ErrUnknownFragment
	}
}

// SigningHash is the blake3 digest of the RLP encoded body.
func (tx *Transaction) SigningHash() ([]byte, error) {
	encoded, err := rlp.EncodeToBytes(&tx.Body)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(encoded)
	return sum[:], nil
}

func (tx *Transaction) Sign(signer Signer) error {
	if !bytes.Equal(signer.PublicKey(), tx.Body.Account[:]) {
		return ErrSignerMismatch
	}
	hash, err := tx.SigningHash()
	if err != nil {
		return err
	}
	tx.Signature = signer.Sign(hash)
	return nil
}

// Verify checks the signature against the account key embedded in the body.
func (tx *Transaction) Verify() error {
	if len(tx.Signature) == 0 {
		return ErrUnsigned
	}
	hash, err := tx.SigningHash()
	if err != nil {
		return err
	}
	if len(tx.Signature) != ed25519.SignatureSize || !ed25519.Verify(tx.Body.Account[:], hash, tx.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Encode returns the wire bytes of a signed fragment.
func (tx *Transaction) Encode() ([]byte, error) {
	if len(tx.Signature) == 0 {
		return nil, ErrUnsigned
	}
	return rlp.EncodeToBytes(tx)
}

// ID returns the identifier the node will assign to the encoded fragment.
func (tx *Transaction) ID() (FragmentID, error) {
	raw, err := tx.Encode()
	if err != nil {
		return FragmentID{}, err
	}
	return FragmentIDOf(raw), nil
}

// DecodeTransaction parses wire bytes produced by Encode.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	var tx Transaction
	if err := rlp.DecodeBytes(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode fragment: %w", err)
	}
	return &tx, nil
}
