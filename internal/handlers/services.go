package handlers

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"appforge/internal/ai"
	"appforge/pkg/models"
)

// DefaultMonthlyCredits is granted to accounts created on first use.
const DefaultMonthlyCredits = 10

// ConsumeResult reports whether a debit went through.
type ConsumeResult struct {
	OK        bool `json:"ok"`
	Remaining int  `json:"remaining"`
}

// CreditService meters generations.
type CreditService interface {
	EnsureCreditsUpToDate(ctx context.Context, userID string) error
	ConsumeCredits(ctx context.Context, userID string, amount int) (ConsumeResult, error)
}

// AppService records the apps users generate.
type AppService interface {
	CreateApp(ctx context.Context, app *models.App) error
	UpdateAppStatus(ctx context.Context, id, status, deploymentURL string) error
}

// MergedModelConfig is an action's effective config and whether the user
// overrode the default.
type MergedModelConfig struct {
	ai.ModelConfig
	IsUserOverride bool `json:"isUserOverride"`
}

// ModelConfigService returns per-action model configs for a user.
type ModelConfigService interface {
	GetUserModelConfigs(ctx context.Context, userID string) (map[ai.AgentActionKey]MergedModelConfig, error)
}

// GormCreditService keeps balances in the credit_accounts table.
type GormCreditService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormCreditService(db *gorm.DB) *GormCreditService {
	return &GormCreditService{db: db, now: time.Now}
}

// EnsureCreditsUpToDate creates the account on first use and refills it
// when a new calendar month has started.
func (s *GormCreditService) EnsureCreditsUpToDate(ctx context.Context, userID string) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct models.CreditAccount
		err := tx.First(&acct, "user_id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.CreditAccount{
				UserID:         userID,
				Balance:        DefaultMonthlyCredits,
				MonthlyGrant:   DefaultMonthlyCredits,
				LastRefilledAt: now,
			}).Error
		}
		if err != nil {
			return err
		}

		last := acct.LastRefilledAt.UTC()
		if last.Year() == now.Year() && last.Month() == now.Month() {
			return nil
		}
		return tx.Model(&acct).Updates(map[string]interface{}{
			"balance":          acct.MonthlyGrant,
			"last_refilled_at": now,
		}).Error
	})
}

// ConsumeCredits debits amount when the balance covers it.
func (s *GormCreditService) ConsumeCredits(ctx context.Context, userID string, amount int) (ConsumeResult, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&models.CreditAccount{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Updates(map[string]interface{}{
			"balance":       gorm.Expr("balance - ?", amount),
			"lifetime_used": gorm.Expr("lifetime_used + ?", amount),
		})
	if res.Error != nil {
		return ConsumeResult{}, res.Error
	}

	var acct models.CreditAccount
	if err := db.First(&acct, "user_id = ?", userID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return ConsumeResult{}, err
	}
	return ConsumeResult{OK: res.RowsAffected > 0, Remaining: acct.Balance}, nil
}

// GormAppService stores apps in the apps table.
type GormAppService struct {
	db *gorm.DB
}

func NewGormAppService(db *gorm.DB) *GormAppService {
	return &GormAppService{db: db}
}

func (s *GormAppService) CreateApp(ctx context.Context, app *models.App) error {
	return s.db.WithContext(ctx).Create(app).Error
}

// UpdateAppStatus sets the status and, when non-empty, the deployment URL.
func (s *GormAppService) UpdateAppStatus(ctx context.Context, id, status, deploymentURL string) error {
	updates := map[string]interface{}{"status": status}
	if deploymentURL != "" {
		now := time.Now().UTC()
		updates["deployment_url"] = deploymentURL
		updates["last_deployed_at"] = &now
	}
	return s.db.WithContext(ctx).Model(&models.App{}).Where("id = ?", id).Updates(updates).Error
}

// GormModelConfigService merges user_model_configs rows over the static table.
type GormModelConfigService struct {
	db *gorm.DB
}

func NewGormModelConfigService(db *gorm.DB) *GormModelConfigService {
	return &GormModelConfigService{db: db}
}

func (s *GormModelConfigService) GetUserModelConfigs(ctx context.Context, userID string) (map[ai.AgentActionKey]MergedModelConfig, error) {
	var rows []models.UserModelConfig
	if err := s.db.WithContext(ctx).Where("user_id = ? AND is_active = ?", userID, true).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[ai.AgentActionKey]MergedModelConfig, len(ai.AgentConfig))
	for _, key := range ai.AllActionKeys() {
		if def, ok := ai.AgentConfig[key]; ok {
			out[key] = MergedModelConfig{ModelConfig: def}
		}
	}
	for _, row := range rows {
		if !ai.IsValidActionKey(row.ActionKey) {
			continue
		}
		out[ai.AgentActionKey(row.ActionKey)] = MergedModelConfig{
			ModelConfig: ai.ModelConfig{
				Name:            row.ModelName,
				ReasoningEffort: ai.ReasoningEffort(row.ReasoningEffort),
				MaxTokens:       row.MaxTokens,
				Temperature:     row.Temperature,
				FallbackModel:   row.FallbackModel,
			},
			IsUserOverride: true,
		}
	}
	return out, nil
}

// userOverrides keeps only the configs the user set explicitly.
func userOverrides(merged map[ai.AgentActionKey]MergedModelConfig) map[ai.AgentActionKey]ai.ModelConfig {
	out := make(map[ai.AgentActionKey]ai.ModelConfig)
	for key, cfg := range merged {
		if cfg.IsUserOverride {
			out[key] = cfg.ModelConfig
		}
	}
	return out
}
