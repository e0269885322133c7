package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/retention/approval"
	"github.com/aschepis/backscratcher/retention/config"
)

// loadSettings reads the agent_configs and brand_settings rows for an agent.
// Missing rows keep the corresponding fields of fallback. Any other error,
// such as a missing table, is returned so the caller can fall back entirely.
func loadSettings(ctx context.Context, db *sql.DB, userID, agentType string, fallback Settings) (Settings, error) {
	out := fallback

	queryStr, args, err := sq.Select("active", "triggers", "confidence_level", "limits", "strategy_template").
		From("agent_configs").
		Where(sq.Eq{"user_id": userID, "agent_type": agentType}).
		ToSql()
	if err != nil {
		return fallback, fmt.Errorf("build query: %w", err)
	}
	var (
		active   bool
		triggers sql.NullString
		level    string
		limits   sql.NullString
		template sql.NullString
	)
	err = db.QueryRowContext(ctx, queryStr, args...).Scan(&active, &triggers, &level, &limits, &template)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fallback, fmt.Errorf("load agent config: %w", err)
	default:
		out.Active = active
		out.ConfidenceLevel = approval.Level(level)
		out.StrategyTemplate = template.String
		if triggers.Valid && triggers.String != "" {
			var list []string
			if err := json.Unmarshal([]byte(triggers.String), &list); err != nil {
				return fallback, fmt.Errorf("decode triggers: %w", err)
			}
			out.Triggers = list
		}
		if limits.Valid && limits.String != "" {
			var l config.LimitsConfig
			if err := json.Unmarshal([]byte(limits.String), &l); err != nil {
				return fallback, fmt.Errorf("decode limits: %w", err)
			}
			out.Limits = l
		}
	}

	queryStr, args, err = sq.Select("company_name", "voice", "tone", "sign_off").
		From("brand_settings").
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return fallback, fmt.Errorf("build query: %w", err)
	}
	var company, voice, tone, signOff sql.NullString
	err = db.QueryRowContext(ctx, queryStr, args...).Scan(&company, &voice, &tone, &signOff)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fallback, fmt.Errorf("load brand settings: %w", err)
	default:
		out.Brand = config.BrandConfig{
			CompanyName: company.String,
			Voice:       voice.String,
			Tone:        tone.String,
			SignOff:     signOff.String,
		}
	}
	return out, nil
}

// SaveSettings writes the agent_configs row for an agent.
func SaveSettings(ctx context.Context, db *sql.DB, userID, agentType string, s Settings) error {
	triggers, err := json.Marshal(s.Triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}
	limits, err := json.Marshal(s.Limits)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}
	queryStr, args, err := sq.Insert("agent_configs").
		Columns("user_id", "agent_type", "active", "triggers", "confidence_level", "limits", "strategy_template").
		Values(userID, agentType, s.Active, string(triggers), string(s.ConfidenceLevel), string(limits), s.StrategyTemplate).
		Suffix("ON CONFLICT(user_id, agent_type) DO UPDATE SET active = excluded.active, triggers = excluded.triggers, " +
			"confidence_level = excluded.confidence_level, limits = excluded.limits, strategy_template = excluded.strategy_template").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("save agent config: %w", err)
	}
	return nil
}
