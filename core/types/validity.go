package types

import (
	"errors"
	"fmt"
	"time"
)

type validUntilKind uint8

const (
	validUntilUnset validUntilKind = iota
	validUntilSlotShift
	validUntilBlockDate
	validUntilDuration
)

// ErrValidityUnset is returned when resolving the zero ValidUntil.
var ErrValidityUnset = errors.New("validity window not set")

// ValidUntil is a validity window for a fragment. It is resolved into an
// absolute BlockDate at submission time; every fragment of a batch shares the
// single resolved date.
type ValidUntil struct {
	kind     validUntilKind
	slots    uint32
	date     BlockDate
	duration time.Duration
}

// BySlotShift expires n slots after the slot current at resolution time.
func BySlotShift(n uint32) ValidUntil {
	return ValidUntil{kind: validUntilSlotShift, slots: n}
}

// ByBlockDate expires at a fixed block date.
func ByBlockDate(d BlockDate) ValidUntil {
	return ValidUntil{kind: validUntilBlockDate, date: d}
}

// ByDuration expires at the slot covering now+d.
func ByDuration(d time.Duration) ValidUntil {
	return ValidUntil{kind: validUntilDuration, duration: d}
}

// IsSet reports whether v was built by one of the constructors.
func (v ValidUntil) IsSet() bool {
	return v.kind != validUntilUnset
}

func (v ValidUntil) String() string {
	switch v.kind {
	case validUntilSlotShift:
		return fmt.Sprintf("slot-shift(%d)", v.slots)
	case validUntilBlockDate:
		return fmt.Sprintf("block-date(%s)", v.date)
	case validUntilDuration:
		return fmt.Sprintf("duration(%s)", v.duration)
	default:
		return "unset"
	}
}

// ExpiryDate resolves the window against the chain settings at time now. A
// date in the past is returned as is; the node is the one that rejects it.
func (v ValidUntil) ExpiryDate(settings Settings, now time.Time) (BlockDate, error) {
	switch v.kind {
	case validUntilBlockDate:
		return v.date, nil
	case validUntilSlotShift:
		current, err := settings.BlockDateAt(now)
		if err != nil {
			return BlockDate{}, err
		}
		return current.AddSlots(v.slots, settings.SlotsPerEpoch), nil
	case validUntilDuration:
		return settings.BlockDateAt(now.Add(v.duration))
	default:
		return BlockDate{}, ErrValidityUnset
	}
}
