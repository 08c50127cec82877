// Package store is the gorm-backed rule store. The monitor consumes it
// read-only (rule and soft-rule lookups); the only writes are the optional
// day-anchor durability records.
package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/proptools/guardian/internal/account"
	"github.com/proptools/guardian/internal/rules"
)

type Store struct {
	db *gorm.DB
}

// Models

// PropFirm is one prop firm as harvested by the scraper pipeline.
type PropFirm struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"uniqueIndex"`
	Website   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RuleSet is the numeric compliance contract for one firm program, one row
// per (firm, program).
type RuleSet struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	FirmID    uint   `gorm:"index:idx_rule_sets_firm_program,unique"`
	ProgramID string `gorm:"index:idx_rule_sets_firm_program,unique"`
	Name      string

	MaxDailyDrawdownPct    float64
	MaxTotalDrawdownPct    float64
	MaxRiskPerTradePct     float64
	MaxOpenLots            float64
	MaxPositions           int
	MarginWarnLevelPct     float64
	MarginCriticalLevelPct float64
	TradingDaysOnly        bool
	RequireStopLoss        bool
	MaxLeverage            float64
	WarnBufferPct          float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FirmRule is one extracted rule row, including the advisory "soft rules"
// served by the review API.
type FirmRule struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	FirmID           uint   `gorm:"index"`
	ChallengeType    string `gorm:"index"`
	RuleType         string
	RuleCategory     string // "hard_limit" or "soft_rule"
	Severity         string
	Details          string
	Conditions       string
	ExtractionMethod string
	ConfidenceScore  float64
	ExtractedAt      time.Time
}

// AnchorRecord is the persisted day-start anchor for one account.
type AnchorRecord struct {
	AccountID       string `gorm:"primaryKey"`
	CurrentDate     string
	DayStartBalance float64
	DayStartEquity  float64
	UpdatedAt       time.Time
}

// Open connects to the rule store. A postgres:// DSN selects PostgreSQL,
// anything else is treated as a SQLite file path.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Rule store connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Rule store opened (SQLite)")
	}

	if err := db.AutoMigrate(&PropFirm{}, &RuleSet{}, &FirmRule{}, &AnchorRecord{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// LookupRules returns the stored contract for (firm, programID). Firm match
// is case-insensitive. found is false for an unknown firm or program.
func (s *Store) LookupRules(firm, programID string) (rules.Rules, bool, error) {
	firmRow, ok, err := s.firmByName(firm)
	if err != nil || !ok {
		return rules.Rules{}, false, err
	}

	var rs RuleSet
	err = s.db.Where("firm_id = ? AND program_id = ?", firmRow.ID, programID).First(&rs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rules.Rules{}, false, nil
	}
	if err != nil {
		return rules.Rules{}, false, err
	}

	return rules.Rules{
		Name:                   rs.Name,
		ProgramID:              rs.ProgramID,
		MaxDailyDrawdownPct:    rs.MaxDailyDrawdownPct,
		MaxTotalDrawdownPct:    rs.MaxTotalDrawdownPct,
		MaxRiskPerTradePct:     rs.MaxRiskPerTradePct,
		MaxOpenLots:            rs.MaxOpenLots,
		MaxPositions:           rs.MaxPositions,
		MarginWarnLevelPct:     rs.MarginWarnLevelPct,
		MarginCriticalLevelPct: rs.MarginCriticalLevelPct,
		TradingDaysOnly:        rs.TradingDaysOnly,
		RequireStopLoss:        rs.RequireStopLoss,
		MaxLeverage:            rs.MaxLeverage,
		WarnBufferPct:          rs.WarnBufferPct,
	}, true, nil
}

// SoftRules returns advisory rule rows for a firm, newest first, optionally
// filtered by program.
func (s *Store) SoftRules(firm, programID string) ([]rules.SoftRule, error) {
	firmRow, ok, err := s.firmByName(firm)
	if err != nil || !ok {
		return nil, err
	}

	q := s.db.Where("firm_id = ?", firmRow.ID).
		Where("rule_category = ? OR severity = ?", "soft_rule", "optional")
	if programID != "" {
		q = q.Where("challenge_type = ?", programID)
	}

	var frs []FirmRule
	if err := q.Order("extracted_at DESC").Find(&frs).Error; err != nil {
		return nil, err
	}

	out := make([]rules.SoftRule, 0, len(frs))
	for _, fr := range frs {
		out = append(out, rules.SoftRule{
			RuleType:      fr.RuleType,
			Description:   fr.Details,
			ChallengeType: fr.ChallengeType,
			Severity:      fr.Severity,
			Confidence:    fr.ConfidenceScore,
		})
	}
	return out, nil
}

// SaveAnchor upserts the durable day-start anchor for an account.
func (s *Store) SaveAnchor(state account.AnchorState) error {
	rec := AnchorRecord{
		AccountID:       state.AccountID,
		CurrentDate:     state.CurrentDate,
		DayStartBalance: state.DayStartBalance,
		DayStartEquity:  state.DayStartEquity,
		UpdatedAt:       time.Now(),
	}
	return s.db.Save(&rec).Error
}

// LoadAnchor returns the persisted anchor for an account, if any.
func (s *Store) LoadAnchor(accountID string) (account.AnchorState, bool, error) {
	var rec AnchorRecord
	err := s.db.First(&rec, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return account.AnchorState{}, false, nil
	}
	if err != nil {
		return account.AnchorState{}, false, err
	}
	return account.AnchorState{
		AccountID:       rec.AccountID,
		CurrentDate:     rec.CurrentDate,
		DayStartBalance: rec.DayStartBalance,
		DayStartEquity:  rec.DayStartEquity,
	}, true, nil
}

// SeedFirm inserts a firm with a rule set and soft rules, used by tests and
// local fixtures.
func (s *Store) SeedFirm(name string, sets []RuleSet, soft []FirmRule) error {
	firm := PropFirm{Name: name}
	if err := s.db.FirstOrCreate(&firm, PropFirm{Name: name}).Error; err != nil {
		return err
	}
	for _, rs := range sets {
		rs.FirmID = firm.ID
		if err := s.db.Create(&rs).Error; err != nil {
			return err
		}
	}
	for _, fr := range soft {
		fr.FirmID = firm.ID
		if err := s.db.Create(&fr).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) firmByName(name string) (PropFirm, bool, error) {
	var firm PropFirm
	err := s.db.Where("LOWER(name) = ?", strings.ToLower(strings.TrimSpace(name))).First(&firm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PropFirm{}, false, nil
	}
	if err != nil {
		return PropFirm{}, false, err
	}
	return firm, true, nil
}
