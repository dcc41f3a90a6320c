package config

import (
	"sort"
)

// Preset is a named adjustment applied on top of the active bundle. Presets
// shape who deliberates and how hard, without touching the stored config.
type Preset struct {
	Name        string
	Description string
	// MemberIDs restricts the council to a subset; empty keeps all members.
	MemberIDs []string
	// Rounds overrides DeliberationConfig.Rounds when >= 0.
	Rounds int
	// Strategy overrides SynthesisConfig.Strategy when non-empty.
	Strategy string
	// ShowOwnResponse lets members see their own prior answer during
	// deliberation.
	ShowOwnResponse bool
}

// Compiled preset registry. Membership here is what makes a preset name
// valid; resolution against the store happens only after this check.
var presets = map[string]Preset{
	"balanced": {
		Name:        "balanced",
		Description: "Full council, one deliberation round, consensus extraction.",
		Rounds:      1,
		Strategy:    StrategyConsensusExtraction,
	},
	"fast": {
		Name:        "fast",
		Description: "Two quickest members, no deliberation.",
		MemberIDs:   []string{"analyst", "generalist"},
		Rounds:      0,
		Strategy:    StrategyConsensusExtraction,
	},
	"thorough": {
		Name:        "thorough",
		Description: "Full council, three deliberation rounds, members see their own answers.",
		Rounds:      3,
		Strategy:    StrategyConsensusExtraction,

		ShowOwnResponse: true,
	},
	"code-review": {
		Name:        "code-review",
		Description: "Full council with two rounds and the devil's advocate pass on code.",
		Rounds:      2,
		Strategy:    StrategyConsensusExtraction,
	},
	"weighted": {
		Name:        "weighted",
		Description: "Weight-ranked fusion of the full council.",
		Rounds:      1,
		Strategy:    StrategyWeightedFusion,
	},
}

// KnownPreset reports whether name is a valid preset. Callers must check
// this before any store I/O so invalid names fail without touching the
// store.
func KnownPreset(name string) bool {
	_, ok := presets[name]
	return ok
}

// PresetByName returns a compiled preset definition.
func PresetByName(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}

// PresetNames lists the valid preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply overlays the preset onto a bundle snapshot. The snapshot is mutated
// in place; callers pass a Clone.
func (p Preset) Apply(b *Bundle) error {
	if len(p.MemberIDs) > 0 {
		kept := b.Council.Members[:0:0]
		for _, id := range p.MemberIDs {
			m, ok := b.Council.Member(id)
			if !ok {
				// A preset member missing from the active council is
				// tolerated; the subset shrinks instead.
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) < 2 {
			return ConfigErrorf("preset %q selects %d configured members, need at least 2", p.Name, len(kept))
		}
		b.Council.Members = kept
		if b.Council.MinimumSize > len(kept) {
			b.Council.MinimumSize = len(kept)
		}
	}
	if p.Rounds >= 0 {
		b.Deliberation.Rounds = p.Rounds
	}
	b.Deliberation.ShowOwnResponse = p.ShowOwnResponse
	if p.Strategy != "" {
		b.Synthesis.Strategy = p.Strategy
		if p.Strategy == StrategyWeightedFusion && len(b.Synthesis.Weights) == 0 {
			// Derive weights from member definitions so the preset works
			// against councils that never configured explicit weights.
			weights := make(map[string]float64, len(b.Council.Members))
			for _, m := range b.Council.Members {
				w := m.Weight
				if w <= 0 {
					w = 1.0
				}
				weights[m.ID] = w
			}
			b.Synthesis.Weights = weights
		}
	}
	return b.Validate()
}
