package types

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Value is an amount of the native asset expressed in its smallest unit.
type Value uint64

func (v Value) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

// CheckedAdd returns v+o and false when the sum overflows.
func (v Value) CheckedAdd(o Value) (Value, bool) {
	sum := v + o
	if sum < v {
		return 0, false
	}
	return sum, true
}

// CheckedSub returns v-o and false when o exceeds v.
func (v Value) CheckedSub(o Value) (Value, bool) {
	if o > v {
		return 0, false
	}
	return v - o, true
}

// AccountIDSize is the length of an account identifier (the account public key).
const AccountIDSize = 32

// AccountID identifies an account on the ledger. It is the raw account public key.
type AccountID [AccountIDSize]byte

func (id AccountID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the identifier.
func (id AccountID) Bytes() []byte {
	out := make([]byte, AccountIDSize)
	copy(out, id[:])
	return out
}

func (id AccountID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *AccountID) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseAccountID decodes a hex encoded account identifier, with or without a 0x prefix.
func ParseAccountID(s string) (AccountID, error) {
	var id AccountID
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid account id: %w", err)
	}
	if len(raw) != AccountIDSize {
		return id, fmt.Errorf("invalid account id: expected %d bytes, got %d", AccountIDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// PoolShare is one entry of a stake delegation.
type PoolShare struct {
	PoolID string `json:"pool_id"`
	Ratio  uint8  `json:"ratio"`
}

// Delegation describes how the account stake is delegated.
type Delegation struct {
	Pools []PoolShare `json:"pools,omitempty"`
}

// Rewards is the last reward credited to the account.
type Rewards struct {
	Epoch  uint32 `json:"epoch"`
	Reward Value  `json:"reward"`
}

// AccountState is the node's authoritative view of an account at query time.
type AccountState struct {
	Value       Value      `json:"value"`
	Counter     uint32     `json:"counter"`
	Delegation  Delegation `json:"delegation"`
	LastRewards Rewards    `json:"last_rewards"`
}
