package domain

// Document is the wire form of a commission and rank policy as authored in
// YAML and persisted as JSON. Percentages are decimal strings such as "2.5".
type Document struct {
	Version         string          `yaml:"version" json:"version" mapstructure:"version" validate:"required,max=64"`
	EffectiveFrom   string          `yaml:"effective_from" json:"effective_from" mapstructure:"effective_from" validate:"required"`
	MaxDepth        int             `yaml:"max_depth" json:"max_depth" mapstructure:"max_depth" validate:"gte=1,lte=32"`
	TeamDepth       int             `yaml:"team_depth" json:"team_depth" mapstructure:"team_depth" validate:"gte=1,lte=64"`
	WindowDays      int             `yaml:"window_days" json:"window_days" mapstructure:"window_days" validate:"gte=1,lte=3660"`
	MaxTotalPercent string          `yaml:"max_total_percent" json:"max_total_percent" mapstructure:"max_total_percent" validate:"required"`
	PayInactive     bool            `yaml:"pay_inactive" json:"pay_inactive" mapstructure:"pay_inactive"`
	BonusCurrency   string          `yaml:"bonus_currency" json:"bonus_currency,omitempty" mapstructure:"bonus_currency" validate:"omitempty,len=3,alpha"`
	Levels          []LevelDocument `yaml:"levels" json:"levels" mapstructure:"levels" validate:"required,min=1,dive"`
	Ranks           []RankDocument  `yaml:"ranks" json:"ranks" mapstructure:"ranks" validate:"required,min=1,dive"`
}

// LevelDocument holds the percentage paid at one commission level. ByRank
// overrides Default for beneficiaries holding the keyed rank.
type LevelDocument struct {
	Level   int               `yaml:"level" json:"level" mapstructure:"level" validate:"gte=0"`
	Default string            `yaml:"default" json:"default,omitempty" mapstructure:"default"`
	ByRank  map[string]string `yaml:"by_rank" json:"by_rank,omitempty" mapstructure:"by_rank"`
}

// RankDocument is one tier. Tiers are listed lowest first.
type RankDocument struct {
	Code              string `yaml:"code" json:"code" mapstructure:"code" validate:"required,max=64"`
	Name              string `yaml:"name" json:"name" mapstructure:"name"`
	MaxLevel          int    `yaml:"max_level" json:"max_level" mapstructure:"max_level" validate:"gte=0"`
	MinPersonalVolume int64  `yaml:"min_personal_volume" json:"min_personal_volume" mapstructure:"min_personal_volume" validate:"gte=0"`
	MinTeamVolume     int64  `yaml:"min_team_volume" json:"min_team_volume" mapstructure:"min_team_volume" validate:"gte=0"`
	MinTeamSize       int    `yaml:"min_team_size" json:"min_team_size" mapstructure:"min_team_size" validate:"gte=0"`
	Rule              string `yaml:"rule" json:"rule,omitempty" mapstructure:"rule"`
	// MonthlyBonus is paid once per calendar month to holders of the rank.
	MonthlyBonus int64 `yaml:"monthly_bonus" json:"monthly_bonus,omitempty" mapstructure:"monthly_bonus" validate:"gte=0"`
}

// DefaultDocument is the five-tier plan used when no policy file is
// configured. Volumes are in minor currency units.
func DefaultDocument() Document {
	return Document{
		Version:         "default-1",
		EffectiveFrom:   "2000-01-01T00:00:00Z",
		MaxDepth:        5,
		TeamDepth:       10,
		WindowDays:      30,
		MaxTotalPercent: "30",
		BonusCurrency:   "USD",
		Levels: []LevelDocument{
			{Level: 0, Default: "5"},
			{Level: 1, Default: "10"},
			{Level: 2, Default: "5"},
			{Level: 3, Default: "5"},
			{Level: 4, Default: "5"},
		},
		Ranks: []RankDocument{
			{Code: "bronze", Name: "Bronze", MaxLevel: 1},
			{Code: "silver", Name: "Silver", MaxLevel: 2, MinPersonalVolume: 100_000, MinTeamVolume: 500_000, MinTeamSize: 5, MonthlyBonus: 10_000},
			{Code: "gold", Name: "Gold", MaxLevel: 3, MinPersonalVolume: 500_000, MinTeamVolume: 2_500_000, MinTeamSize: 15, MonthlyBonus: 50_000},
			{Code: "platinum", Name: "Platinum", MaxLevel: 4, MinPersonalVolume: 1_000_000, MinTeamVolume: 10_000_000, MinTeamSize: 30, MonthlyBonus: 200_000},
			{Code: "diamond", Name: "Diamond", MaxLevel: 4, MinPersonalVolume: 2_500_000, MinTeamVolume: 50_000_000, MinTeamSize: 60, Rule: "direct_count >= 6", MonthlyBonus: 1_000_000},
		},
	}
}
