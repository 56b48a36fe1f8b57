package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// CreateTenant inserts a tenant and returns its ID.
func (db *DB) CreateTenant(ctx context.Context, name, slug string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, slug, created_at) VALUES ($1, $2, $3, $4)`,
		id, name, slug, time.Now().UTC(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create tenant: %w", err)
	}
	return id, nil
}

// defaultEscalationConfig is returned for tenants that never saved a
// config: escalation disabled, 60 minute threshold once enabled.
func defaultEscalationConfig(tenantID uuid.UUID) model.EscalationConfig {
	return model.EscalationConfig{
		TenantID:             tenantID,
		Enabled:              false,
		CheckIntervalMinutes: 60,
		NotificationsEnabled: true,
	}
}

// GetEscalationConfig returns the tenant's escalation config, or the
// default config when the tenant has never saved one.
func (db *DB) GetEscalationConfig(ctx context.Context, tenantID uuid.UUID) (model.EscalationConfig, error) {
	var cfg model.EscalationConfig
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, enabled, check_interval_minutes, target_user_id, notifications_enabled, updated_at
		 FROM escalation_configs WHERE tenant_id = $1`, tenantID,
	).Scan(
		&cfg.TenantID, &cfg.Enabled, &cfg.CheckIntervalMinutes,
		&cfg.TargetUserID, &cfg.NotificationsEnabled, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return defaultEscalationConfig(tenantID), nil
		}
		return model.EscalationConfig{}, fmt.Errorf("storage: get escalation config: %w", err)
	}
	return cfg, nil
}

// UpsertEscalationConfig saves the tenant's escalation config.
func (db *DB) UpsertEscalationConfig(ctx context.Context, cfg model.EscalationConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("storage: upsert escalation config: %w", err)
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO escalation_configs (tenant_id, enabled, check_interval_minutes, target_user_id, notifications_enabled, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   enabled = EXCLUDED.enabled,
		   check_interval_minutes = EXCLUDED.check_interval_minutes,
		   target_user_id = EXCLUDED.target_user_id,
		   notifications_enabled = EXCLUDED.notifications_enabled,
		   updated_at = now()`,
		cfg.TenantID, cfg.Enabled, cfg.CheckIntervalMinutes, cfg.TargetUserID, cfg.NotificationsEnabled,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert escalation config: %w", err)
	}
	return nil
}

// ListEnabledEscalationConfigs returns the configs of all tenants with
// escalation enabled. Read fresh by the scheduler on every tick so
// config changes take effect without restart.
func (db *DB) ListEnabledEscalationConfigs(ctx context.Context) ([]model.EscalationConfig, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT tenant_id, enabled, check_interval_minutes, target_user_id, notifications_enabled, updated_at
		 FROM escalation_configs WHERE enabled = true
		 ORDER BY tenant_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled escalation configs: %w", err)
	}
	defer rows.Close()

	var configs []model.EscalationConfig
	for rows.Next() {
		var cfg model.EscalationConfig
		if err := rows.Scan(
			&cfg.TenantID, &cfg.Enabled, &cfg.CheckIntervalMinutes,
			&cfg.TargetUserID, &cfg.NotificationsEnabled, &cfg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan escalation config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}
