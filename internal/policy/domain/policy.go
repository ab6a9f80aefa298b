package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/cel-go/cel"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPolicy   = errors.New("invalid_policy")
	ErrVersionConflict = errors.New("policy_version_conflict")
	ErrNoPolicy        = errors.New("policy_not_loaded")
)

var hundred = decimal.NewFromInt(100)

// PolicyMissingError reports that no percentage is configured for a
// (level, rank) pair. Callers treat the level as 0% and record a gap.
type PolicyMissingError struct {
	Version string
	Level   int
	Rank    string
}

func (e *PolicyMissingError) Error() string {
	return fmt.Sprintf("policy %s has no percentage for level %d rank %q", e.Version, e.Level, e.Rank)
}

// Tier is a compiled rank threshold.
type Tier struct {
	Code              string
	Name              string
	MaxLevel          int
	MinPersonalVolume int64
	MinTeamVolume     int64
	MinTeamSize       int
	Rule              string
	MonthlyBonus      int64

	program cel.Program
}

// Stats are the qualification inputs for one distributor.
type Stats struct {
	PersonalVolume int64
	TeamVolume     int64
	TeamSize       int
	DirectCount    int
}

type levelRates struct {
	def    *decimal.Decimal
	byRank map[string]decimal.Decimal
}

// Policy is an immutable, validated policy version. It is passed explicitly
// into every computation so historical work uses the version in force then.
type Policy struct {
	Version         string
	EffectiveFrom   time.Time
	MaxDepth        int
	TeamDepth       int
	Window          time.Duration
	MaxTotalPercent decimal.Decimal
	PayInactive     bool
	BonusCurrency   string
	Tiers           []Tier

	levels   map[int]levelRates
	document Document
}

var validate = validator.New()

// NormalizeCode lowercases and slugifies a rank code.
func NormalizeCode(code string) string {
	return slug.Make(strings.TrimSpace(code))
}

// Compile validates doc and builds the runtime policy.
func Compile(doc Document) (*Policy, error) {
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	effectiveFrom, err := time.Parse(time.RFC3339, strings.TrimSpace(doc.EffectiveFrom))
	if err != nil {
		return nil, fmt.Errorf("%w: effective_from: %v", ErrInvalidPolicy, err)
	}
	maxTotal, err := parsePercent(doc.MaxTotalPercent)
	if err != nil {
		return nil, fmt.Errorf("%w: max_total_percent: %v", ErrInvalidPolicy, err)
	}

	p := &Policy{
		Version:         strings.TrimSpace(doc.Version),
		EffectiveFrom:   effectiveFrom.UTC(),
		MaxDepth:        doc.MaxDepth,
		TeamDepth:       doc.TeamDepth,
		Window:          time.Duration(doc.WindowDays) * 24 * time.Hour,
		MaxTotalPercent: maxTotal,
		PayInactive:     doc.PayInactive,
		BonusCurrency:   strings.ToUpper(strings.TrimSpace(doc.BonusCurrency)),
		levels:          make(map[int]levelRates, len(doc.Levels)),
		document:        doc,
	}

	env, err := rulesEnv()
	if err != nil {
		return nil, err
	}
	seenRanks := make(map[string]struct{}, len(doc.Ranks))
	for _, rd := range doc.Ranks {
		code := NormalizeCode(rd.Code)
		if code == "" {
			return nil, fmt.Errorf("%w: empty rank code", ErrInvalidPolicy)
		}
		if _, dup := seenRanks[code]; dup {
			return nil, fmt.Errorf("%w: duplicate rank %q", ErrInvalidPolicy, code)
		}
		seenRanks[code] = struct{}{}

		tier := Tier{
			Code:              code,
			Name:              strings.TrimSpace(rd.Name),
			MaxLevel:          rd.MaxLevel,
			MinPersonalVolume: rd.MinPersonalVolume,
			MinTeamVolume:     rd.MinTeamVolume,
			MinTeamSize:       rd.MinTeamSize,
			Rule:              strings.TrimSpace(rd.Rule),
			MonthlyBonus:      rd.MonthlyBonus,
		}
		if tier.Name == "" {
			tier.Name = rd.Code
		}
		if tier.Rule != "" {
			program, err := compileRule(env, tier.Rule)
			if err != nil {
				return nil, fmt.Errorf("%w: rank %s rule: %v", ErrInvalidPolicy, code, err)
			}
			tier.program = program
		}
		if tier.MonthlyBonus > 0 && p.BonusCurrency == "" {
			return nil, fmt.Errorf("%w: rank %s has a monthly bonus but no bonus_currency is set", ErrInvalidPolicy, code)
		}
		p.Tiers = append(p.Tiers, tier)
	}

	for _, ld := range doc.Levels {
		if ld.Level >= doc.MaxDepth {
			return nil, fmt.Errorf("%w: level %d beyond max_depth %d", ErrInvalidPolicy, ld.Level, doc.MaxDepth)
		}
		if _, dup := p.levels[ld.Level]; dup {
			return nil, fmt.Errorf("%w: duplicate level %d", ErrInvalidPolicy, ld.Level)
		}
		rates := levelRates{byRank: make(map[string]decimal.Decimal, len(ld.ByRank))}
		if strings.TrimSpace(ld.Default) != "" {
			d, err := parsePercent(ld.Default)
			if err != nil {
				return nil, fmt.Errorf("%w: level %d default: %v", ErrInvalidPolicy, ld.Level, err)
			}
			rates.def = &d
		}
		for rank, raw := range ld.ByRank {
			code := NormalizeCode(rank)
			if _, ok := seenRanks[code]; !ok {
				return nil, fmt.Errorf("%w: level %d references unknown rank %q", ErrInvalidPolicy, ld.Level, rank)
			}
			d, err := parsePercent(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: level %d rank %s: %v", ErrInvalidPolicy, ld.Level, code, err)
			}
			rates.byRank[code] = d
		}
		p.levels[ld.Level] = rates
	}
	return p, nil
}

func parsePercent(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() || d.GreaterThan(hundred) {
		return decimal.Zero, fmt.Errorf("percentage %s out of range", d)
	}
	return d, nil
}

// Document returns the source document of this version.
func (p *Policy) Document() Document {
	return p.document
}

// Percent returns the percentage earned at level by a beneficiary of rank.
func (p *Policy) Percent(level int, rank string) (decimal.Decimal, error) {
	rates, ok := p.levels[level]
	if ok {
		if d, ok := rates.byRank[NormalizeCode(rank)]; ok {
			return d, nil
		}
		if rates.def != nil {
			return *rates.def, nil
		}
	}
	return decimal.Zero, &PolicyMissingError{Version: p.Version, Level: level, Rank: rank}
}

// Tier looks up a tier by code.
func (p *Policy) Tier(code string) (Tier, bool) {
	code = NormalizeCode(code)
	for _, t := range p.Tiers {
		if t.Code == code {
			return t, true
		}
	}
	return Tier{}, false
}

func (p *Policy) LowestTier() Tier {
	return p.Tiers[0]
}

// TierIndex orders tiers; unknown codes sort below the lowest tier.
func (p *Policy) TierIndex(code string) int {
	code = NormalizeCode(code)
	for i, t := range p.Tiers {
		if t.Code == code {
			return i
		}
	}
	return -1
}

// Qualify returns the highest tier whose thresholds are all met.
func (p *Policy) Qualify(stats Stats) (Tier, error) {
	best := p.LowestTier()
	for _, tier := range p.Tiers {
		ok, err := tier.Meets(stats)
		if err != nil {
			return Tier{}, err
		}
		if ok {
			best = tier
		}
	}
	return best, nil
}

// Meets requires every threshold, and the rule when present.
func (t Tier) Meets(stats Stats) (bool, error) {
	if stats.PersonalVolume < t.MinPersonalVolume ||
		stats.TeamVolume < t.MinTeamVolume ||
		stats.TeamSize < t.MinTeamSize {
		return false, nil
	}
	if t.program == nil {
		return true, nil
	}
	return evalRule(t.program, stats)
}

// Levels returns configured level indexes in ascending order.
func (p *Policy) Levels() []int {
	out := make([]int, 0, len(p.levels))
	for level := range p.levels {
		out = append(out, level)
	}
	sort.Ints(out)
	return out
}
