package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"nhbwallet/core/types"
)

// VotePlan is a batch of votes read from a YAML file:
//
//	valid_until_slots: 5
//	votes:
//	  - proposal: "0x8e2d"
//	    choice: "yes"
type VotePlan struct {
	// ValidUntil is an absolute "epoch.slot" expiry; it wins over ValidUntilSlots.
	ValidUntil      string      `yaml:"valid_until"`
	ValidUntilSlots uint32      `yaml:"valid_until_slots"`
	Votes           []VoteEntry `yaml:"votes"`
}

type VoteEntry struct {
	Proposal string `yaml:"proposal"`
	Choice   string `yaml:"choice"`
}

// LoadVotePlan reads and validates a vote plan file.
func LoadVotePlan(path string) (*VotePlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseVotePlan(raw)
}

func ParseVotePlan(raw []byte) (*VotePlan, error) {
	var plan VotePlan
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("vote plan: %w", err)
	}
	if len(plan.Votes) == 0 {
		return nil, fmt.Errorf("vote plan: no votes")
	}
	seen := make(map[string]int, len(plan.Votes))
	for i := range plan.Votes {
		entry := &plan.Votes[i]
		entry.Proposal = strings.TrimSpace(entry.Proposal)
		entry.Choice = strings.TrimSpace(entry.Choice)
		if entry.Proposal == "" || entry.Choice == "" {
			return nil, fmt.Errorf("vote plan: entry %d needs proposal and choice", i)
		}
		key := strings.ToLower(strings.TrimPrefix(entry.Proposal, "0x"))
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("vote plan: proposal %s listed in entries %d and %d", entry.Proposal, prev, i)
		}
		seen[key] = i
	}
	if _, err := plan.Expiry(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Expiry returns the validity window of the plan. The zero ValidUntil means
// the wallet default applies.
func (p *VotePlan) Expiry() (types.ValidUntil, error) {
	if strings.TrimSpace(p.ValidUntil) != "" {
		date, err := types.ParseBlockDate(p.ValidUntil)
		if err != nil {
			return types.ValidUntil{}, fmt.Errorf("vote plan: %w", err)
		}
		return types.ByBlockDate(date), nil
	}
	if p.ValidUntilSlots > 0 {
		return types.BySlotShift(p.ValidUntilSlots), nil
	}
	return types.ValidUntil{}, nil
}
