package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// VoteOption maps a human readable ballot label to the on-chain choice.
type VoteOption struct {
	Label  string
	Choice uint8
}

// VoteOptions keeps the ballot options in the order the proposal declares them.
// On the wire it is a JSON object: {"yes":0,"no":1}.
type VoteOptions []VoteOption

// Choice returns the numeric choice for label.
func (o VoteOptions) Choice(label string) (uint8, bool) {
	for _, opt := range o {
		if opt.Label == label {
			return opt.Choice, true
		}
	}
	return 0, false
}

// Labels lists the option labels in declaration order.
func (o VoteOptions) Labels() []string {
	out := make([]string, 0, len(o))
	for _, opt := range o {
		out = append(out, opt.Label)
	}
	return out
}

func (o VoteOptions) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, opt := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(opt.Label)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		fmt.Fprintf(&buf, ":%d", opt.Choice)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o *VoteOptions) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*o = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("vote options: expected object")
	}
	var out VoteOptions
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		label, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("vote options: expected string key")
		}
		var choice uint8
		if err := dec.Decode(&choice); err != nil {
			return fmt.Errorf("vote options: choice for %q: %w", label, err)
		}
		out = append(out, VoteOption{Label: label, Choice: choice})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*o = out
	return nil
}

// Proposal is a governance item open for voting.
type Proposal struct {
	InternalID      int64       `json:"internal_id"`
	ChainProposalID string      `json:"chain_proposal_id"`
	Title           string      `json:"proposal_title"`
	Summary         string      `json:"proposal_summary"`
	VotePlanID      string      `json:"chain_voteplan_id"`
	ProposalIndex   uint8       `json:"chain_proposal_index"`
	Options         VoteOptions `json:"chain_vote_options"`
}

// MatchesID compares the chain proposal id, ignoring case and a 0x prefix.
func (p Proposal) MatchesID(id string) bool {
	normalize := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	}
	return normalize(p.ChainProposalID) == normalize(id)
}

func (p Proposal) String() string {
	return fmt.Sprintf("#%s [%s] %s", p.ChainProposalID, p.Title, p.Summary)
}

// VoteStatus lists the proposals of one vote plan an account has voted on.
type VoteStatus struct {
	VotePlanID string   `json:"vote_plan_id"`
	Votes      []uint32 `json:"votes"`
}

func (s VoteStatus) String() string {
	return fmt.Sprintf("%s: %v", s.VotePlanID, s.Votes)
}
