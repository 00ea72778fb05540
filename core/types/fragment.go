package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

// FragmentIDSize is the length of a fragment identifier.
const FragmentIDSize = 32

// FragmentID is the content derived identifier of a submitted fragment.
type FragmentID [FragmentIDSize]byte

// FragmentIDOf hashes the encoded fragment bytes into its identifier.
func FragmentIDOf(raw []byte) FragmentID {
	return FragmentID(blake3.Sum256(raw))
}

func (id FragmentID) String() string {
	return hex.EncodeToString(id[:])
}

func (id FragmentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *FragmentID) UnmarshalText(text []byte) error {
	parsed, err := ParseFragmentID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Compare orders fragment ids bytewise.
func (id FragmentID) Compare(o FragmentID) int {
	return bytes.Compare(id[:], o[:])
}

// ParseFragmentID decodes a hex encoded fragment identifier.
func ParseFragmentID(s string) (FragmentID, error) {
	var id FragmentID
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid fragment id: %w", err)
	}
	if len(raw) != FragmentIDSize {
		return id, fmt.Errorf("invalid fragment id: expected %d bytes, got %d", FragmentIDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// StatusKind enumerates the fragment lifecycle states.
type StatusKind uint8

const (
	StatusPending StatusKind = iota
	StatusInABlock
	StatusRejected
)

func (k StatusKind) String() string {
	switch k {
	case StatusPending:
		return "Pending"
	case StatusInABlock:
		return "InABlock"
	case StatusRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("StatusKind(%d)", uint8(k))
	}
}

// FragmentStatus is the node reported status of a fragment. Pending is the
// only non terminal state.
type FragmentStatus struct {
	Kind   StatusKind
	Reason string    // set when Rejected
	Date   BlockDate // set when InABlock
	Block  string    // set when InABlock
}

func Pending() FragmentStatus {
	return FragmentStatus{Kind: StatusPending}
}

func InABlock(date BlockDate, block string) FragmentStatus {
	return FragmentStatus{Kind: StatusInABlock, Date: date, Block: block}
}

func Rejected(reason string) FragmentStatus {
	return FragmentStatus{Kind: StatusRejected, Reason: reason}
}

// IsTerminal reports whether no further transition is possible.
func (s FragmentStatus) IsTerminal() bool {
	return s.Kind == StatusInABlock || s.Kind == StatusRejected
}

func (s FragmentStatus) String() string {
	switch s.Kind {
	case StatusRejected:
		return fmt.Sprintf("Rejected(%s)", s.Reason)
	case StatusInABlock:
		return fmt.Sprintf("InABlock(%s, %s)", s.Date, s.Block)
	default:
		return s.Kind.String()
	}
}

type inABlockWire struct {
	Date  BlockDate `json:"date"`
	Block string    `json:"block"`
}

type rejectedWire struct {
	Reason string `json:"reason"`
}

// MarshalJSON encodes Pending as a bare string and terminal states as a
// single-key object: {"InABlock":{...}} or {"Rejected":{...}}.
func (s FragmentStatus) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case StatusPending:
		return json.Marshal("Pending")
	case StatusInABlock:
		return json.Marshal(map[string]inABlockWire{"InABlock": {Date: s.Date, Block: s.Block}})
	case StatusRejected:
		return json.Marshal(map[string]rejectedWire{"Rejected": {Reason: s.Reason}})
	default:
		return nil, fmt.Errorf("unknown fragment status %d", s.Kind)
	}
}

func (s *FragmentStatus) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if bare != "Pending" {
			return fmt.Errorf("unknown fragment status %q", bare)
		}
		*s = Pending()
		return nil
	}
	var obj struct {
		InABlock *inABlockWire `json:"InABlock"`
		Rejected *rejectedWire `json:"Rejected"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode fragment status: %w", err)
	}
	switch {
	case obj.InABlock != nil:
		*s = InABlock(obj.InABlock.Date, obj.InABlock.Block)
	case obj.Rejected != nil:
		*s = Rejected(obj.Rejected.Reason)
	default:
		return fmt.Errorf("unknown fragment status %s", string(data))
	}
	return nil
}

// FragmentLog is the node's record for one fragment it has seen.
type FragmentLog struct {
	ID            FragmentID     `json:"fragment_id"`
	ReceivedFrom  string         `json:"received_from,omitempty"`
	ReceivedAt    time.Time      `json:"received_at"`
	LastUpdatedAt time.Time      `json:"last_updated_at"`
	Status        FragmentStatus `json:"status"`
}
