package controller

import (
	"errors"
	"fmt"
	"strings"

	"nhbwallet/core/types"
	"nhbwallet/wallet"
)

var (
	ErrNotInitialized  = errors.New("wallet not initialized: recover or generate a wallet first")
	ErrUnknownProposal = errors.New("unknown proposal")
	ErrInvalidChoice   = errors.New("invalid vote choice")
	ErrBackend         = errors.New("backend error")
	ErrPendingTooLong  = errors.New("fragments still pending")

	// Recovery failures surface the wallet package sentinels unchanged.
	ErrRecoveryFailed   = wallet.ErrRecoveryFailed
	ErrMalformedKey     = wallet.ErrMalformedKey
	ErrInvalidWordCount = wallet.ErrInvalidWordCount
)

// PendingTooLongError lists the fragments still unresolved when the
// reconciliation budget ran out. It matches ErrPendingTooLong.
type PendingTooLongError struct {
	IDs []types.FragmentID
}

func (e *PendingTooLongError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("%d fragments still pending: %s", len(e.IDs), strings.Join(ids, ", "))
}

func (e *PendingTooLongError) Is(target error) bool {
	return target == ErrPendingTooLong
}

// ChoiceError names the label that was not offered by the proposal.
type ChoiceError struct {
	ProposalID string
	Choice     string
	Options    []string
}

func (e *ChoiceError) Error() string {
	return fmt.Sprintf("proposal %s has no option %q (options: %s)", e.ProposalID, e.Choice, strings.Join(e.Options, ", "))
}

func (e *ChoiceError) Unwrap() error {
	return ErrInvalidChoice
}

func unknownProposal(id string) error {
	return fmt.Errorf("%w: %s", ErrUnknownProposal, id)
}
