package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Discrimination separates production addresses from test network addresses.
type Discrimination string

const (
	DiscriminationProduction Discrimination = "production"
	DiscriminationTest       Discrimination = "test"
)

// ParseDiscrimination accepts "production" or "test" (case insensitive).
func ParseDiscrimination(s string) (Discrimination, error) {
	switch Discrimination(strings.ToLower(strings.TrimSpace(s))) {
	case DiscriminationProduction, "":
		return DiscriminationProduction, nil
	case DiscriminationTest:
		return DiscriminationTest, nil
	default:
		return "", fmt.Errorf("unknown discrimination %q", s)
	}
}

// LinearFee is the fee schedule published in the chain settings.
type LinearFee struct {
	Constant            uint64 `json:"constant"`
	Coefficient         uint64 `json:"coefficient"`
	Certificate         uint64 `json:"certificate"`
	VoteCastCertificate uint64 `json:"vote_cast_certificate,omitempty"`
}

// TransferFee is the fee for a transaction with one input and one output.
func (f LinearFee) TransferFee() Value {
	return Value(f.Constant + 2*f.Coefficient)
}

// VoteCastFee is the fee for a single-input vote cast certificate.
func (f LinearFee) VoteCastFee() Value {
	cert := f.Certificate
	if f.VoteCastCertificate != 0 {
		cert = f.VoteCastCertificate
	}
	return Value(f.Constant + f.Coefficient + cert)
}

// Settings are the chain parameters the wallet needs to build fragments.
type Settings struct {
	Block0Hash     string         `json:"block0Hash"`
	Block0Time     time.Time      `json:"block0Time"`
	SlotDuration   uint32         `json:"slotDuration"`
	SlotsPerEpoch  uint32         `json:"slotsPerEpoch"`
	Discrimination Discrimination `json:"discrimination"`
	Fees           LinearFee      `json:"fees"`
	MaxTxsPerBlock uint32         `json:"maxTxsPerBlock,omitempty"`
}

func (s Settings) validateTiming() error {
	if s.SlotDuration == 0 {
		return fmt.Errorf("settings: slot duration is zero")
	}
	if s.SlotsPerEpoch == 0 {
		return fmt.Errorf("settings: slots per epoch is zero")
	}
	return nil
}

// BlockDateAt returns the block date covering t. Times before block0 map to 0.0.
func (s Settings) BlockDateAt(t time.Time) (BlockDate, error) {
	if err := s.validateTiming(); err != nil {
		return BlockDate{}, err
	}
	if t.Before(s.Block0Time) {
		return BlockDate{}, nil
	}
	elapsed := uint64(t.Sub(s.Block0Time) / time.Second)
	slot := elapsed / uint64(s.SlotDuration)
	return BlockDate{
		Epoch: uint32(slot / uint64(s.SlotsPerEpoch)),
		Slot:  uint32(slot % uint64(s.SlotsPerEpoch)),
	}, nil
}

// TimeOf returns the wall clock start of the slot identified by d.
func (s Settings) TimeOf(d BlockDate) time.Time {
	slots := uint64(d.Epoch)*uint64(s.SlotsPerEpoch) + uint64(d.Slot)
	return s.Block0Time.Add(time.Duration(slots*uint64(s.SlotDuration)) * time.Second)
}

// BlockDate is an (epoch, slot) position on the chain.
type BlockDate struct {
	Epoch uint32
	Slot  uint32
}

func (d BlockDate) String() string {
	return fmt.Sprintf("%d.%d", d.Epoch, d.Slot)
}

// Before reports whether d is strictly earlier than o.
func (d BlockDate) Before(o BlockDate) bool {
	if d.Epoch != o.Epoch {
		return d.Epoch < o.Epoch
	}
	return d.Slot < o.Slot
}

// AddSlots moves d forward by n slots, rolling into later epochs.
func (d BlockDate) AddSlots(n uint32, slotsPerEpoch uint32) BlockDate {
	if slotsPerEpoch == 0 {
		return d
	}
	total := uint64(d.Slot) + uint64(n)
	return BlockDate{
		Epoch: d.Epoch + uint32(total/uint64(slotsPerEpoch)),
		Slot:  uint32(total % uint64(slotsPerEpoch)),
	}
}

func (d BlockDate) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *BlockDate) UnmarshalText(text []byte) error {
	parsed, err := ParseBlockDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseBlockDate parses the "epoch.slot" form.
func ParseBlockDate(s string) (BlockDate, error) {
	epochStr, slotStr, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return BlockDate{}, fmt.Errorf("invalid block date %q", s)
	}
	epoch, err := strconv.ParseUint(epochStr, 10, 32)
	if err != nil {
		return BlockDate{}, fmt.Errorf("invalid block date epoch %q: %w", s, err)
	}
	slot, err := strconv.ParseUint(slotStr, 10, 32)
	if err != nil {
		return BlockDate{}, fmt.Errorf("invalid block date slot %q: %w", s, err)
	}
	return BlockDate{Epoch: uint32(epoch), Slot: uint32(slot)}, nil
}
