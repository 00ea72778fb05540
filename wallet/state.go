package wallet

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"nhbwallet/core/types"
)

var (
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrCounterExhausted  = errors.New("wallet: spending counter exhausted")
)

// Reservation is the effect one submitted fragment has on local state. It is
// kept per fragment so a rejection can be unwound exactly.
type Reservation struct {
	Counter    uint32
	HasCounter bool
	Debit      types.Value
}

// PendingFragment is a submitted fragment that has not reached a terminal status.
type PendingFragment struct {
	ID          types.FragmentID
	Reservation Reservation
}

// State is the local view of the wallet account. It is not safe for
// concurrent use; the controller serialises access to it.
type State struct {
	counter  uint32 // next never-used counter value
	balance  types.Value
	pending  map[types.FragmentID]Reservation
	released []uint32 // ascending, all below counter
	floor    uint32   // last remote counter; values below it are spent on chain
}

func NewState() *State {
	return &State{pending: make(map[types.FragmentID]Reservation)}
}

// Refresh folds a remote account snapshot into the local view. The balance is
// rebased on the remote value minus the debits of pending fragments the node
// has not applied yet, those at or above the remote counter. With nothing
// pending the remote counter is adopted outright; otherwise the local counter
// only moves forward.
func (s *State) Refresh(remote types.AccountState) {
	var inFlight types.Value
	for _, res := range s.pending {
		if res.HasCounter && res.Counter < remote.Counter {
			continue
		}
		inFlight += res.Debit
	}
	if balance, ok := remote.Value.CheckedSub(inFlight); ok {
		s.balance = balance
	} else {
		s.balance = 0
	}

	s.floor = remote.Counter
	if len(s.pending) == 0 {
		s.counter = remote.Counter
		s.released = nil
		return
	}
	if remote.Counter > s.counter {
		s.counter = remote.Counter
	}
	kept := s.released[:0]
	for _, c := range s.released {
		if c >= remote.Counter && c < s.counter {
			kept = append(kept, c)
		}
	}
	s.released = kept
}

// Reserve takes the lowest available counter value and debits the balance.
// The caller must either Track the reservation under a fragment id or
// Release it.
func (s *State) Reserve(debit types.Value) (Reservation, error) {
	balance, ok := s.balance.CheckedSub(debit)
	if !ok {
		return Reservation{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, debit, s.balance)
	}
	res := Reservation{HasCounter: true, Debit: debit}
	if len(s.released) > 0 {
		res.Counter = s.released[0]
		s.released = s.released[1:]
	} else {
		if s.counter == math.MaxUint32 {
			return Reservation{}, ErrCounterExhausted
		}
		res.Counter = s.counter
		s.counter++
	}
	s.balance = balance
	return res, nil
}

// Track records a reserved fragment as pending. Tracking the same id twice
// is a logic error.
func (s *State) Track(id types.FragmentID, res Reservation) {
	if _, exists := s.pending[id]; exists {
		panic(fmt.Sprintf("wallet: fragment %s tracked twice", id))
	}
	s.pending[id] = res
}

// Release undoes a reservation that was never tracked, used when the
// submission itself failed.
func (s *State) Release(res Reservation) {
	s.balance += res.Debit
	if res.HasCounter {
		s.releaseCounter(res.Counter)
	}
}

// Confirm drops id from pending. Its counter stays consumed.
func (s *State) Confirm(id types.FragmentID) bool {
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// Rollback drops id from pending and returns its debit and counter value.
func (s *State) Rollback(id types.FragmentID) bool {
	res, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	s.Release(res)
	return true
}

// ConfirmAll confirms every pending fragment without consulting the node.
func (s *State) ConfirmAll() []types.FragmentID {
	ids := s.PendingIDs()
	clear(s.pending)
	return ids
}

func (s *State) releaseCounter(c uint32) {
	if c < s.floor || c >= s.counter {
		return
	}
	if c+1 == s.counter {
		s.counter--
		for n := len(s.released); n > 0 && s.released[n-1] == s.counter-1; n-- {
			s.counter--
			s.released = s.released[:n-1]
		}
		return
	}
	i := sort.Search(len(s.released), func(i int) bool { return s.released[i] >= c })
	if i < len(s.released) && s.released[i] == c {
		return
	}
	s.released = slices.Insert(s.released, i, c)
}

// Counter is the high-water mark: the value the next fresh reservation
// would take when no released value is available.
func (s *State) Counter() uint32 {
	return s.counter
}

// NextCounter is the value the next Reserve call will use.
func (s *State) NextCounter() uint32 {
	if len(s.released) > 0 {
		return s.released[0]
	}
	return s.counter
}

// TotalValue is the cached balance net of in-flight debits.
func (s *State) TotalValue() types.Value {
	return s.balance
}

func (s *State) IsPending(id types.FragmentID) bool {
	_, ok := s.pending[id]
	return ok
}

// Reservation returns what the pending fragment id reserved.
func (s *State) Reservation(id types.FragmentID) (Reservation, bool) {
	res, ok := s.pending[id]
	return res, ok
}

func (s *State) PendingLen() int {
	return len(s.pending)
}

// Pending lists in-flight fragments ordered by counter, then id.
func (s *State) Pending() []PendingFragment {
	out := make([]PendingFragment, 0, len(s.pending))
	for id, res := range s.pending {
		out = append(out, PendingFragment{ID: id, Reservation: res})
	}
	slices.SortFunc(out, func(a, b PendingFragment) int {
		if a.Reservation.Counter != b.Reservation.Counter {
			if a.Reservation.Counter < b.Reservation.Counter {
				return -1
			}
			return 1
		}
		return a.ID.Compare(b.ID)
	})
	return out
}

func (s *State) PendingIDs() []types.FragmentID {
	pending := s.Pending()
	ids := make([]types.FragmentID, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	return ids
}
