package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ruteri/apas-records-backend/authz"
	"github.com/ruteri/apas-records-backend/interfaces"
)

var anyRole = []interfaces.Role{interfaces.RoleStudent, interfaces.RoleInstructor, interfaces.RoleAdmin}

// GetSetting returns a setting value. Any authenticated identity may read.
func (s *Store) GetSetting(ctx context.Context, grant authz.Grant, key string) (string, error) {
	if !grant.HasRole(anyRole...) {
		return "", interfaces.ErrForbidden
	}
	return s.getSetting(ctx, s.db, key)
}

func (s *Store) getSetting(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT value FROM settings WHERE name = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", interfaces.ErrNotFound
	}
	if err != nil {
		return "", storageErr("get setting", err)
	}
	return value, nil
}

// ListSettings returns all settings ordered by key.
func (s *Store) ListSettings(ctx context.Context, grant authz.Grant) ([]interfaces.Setting, error) {
	if !grant.HasRole(anyRole...) {
		return nil, interfaces.ErrForbidden
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM settings ORDER BY name`)
	if err != nil {
		return nil, storageErr("list settings", err)
	}
	defer rows.Close()

	var settings []interfaces.Setting
	for rows.Next() {
		var st interfaces.Setting
		if err := rows.Scan(&st.Key, &st.Value); err != nil {
			return nil, storageErr("scan setting", err)
		}
		settings = append(settings, st)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list settings", err)
	}
	return settings, nil
}

// SetSetting upserts a setting; the last write wins. Requires admin.
func (s *Store) SetSetting(ctx context.Context, grant authz.Grant, key, value string) error {
	if !grant.HasRole(interfaces.RoleAdmin) {
		return interfaces.ErrForbidden
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: setting key is required", interfaces.ErrInvalidInput)
	}
	switch key {
	case interfaces.SettingRiskThreshold:
		if _, err := parseThreshold(value); err != nil {
			return err
		}
	case interfaces.SettingModelVersion:
		v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || v < 1 {
			return fmt.Errorf("%w: model version must be a positive integer", interfaces.ErrInvalidInput)
		}
		value = strconv.FormatInt(v, 10)
	}

	return s.setSetting(ctx, s.db, key, value)
}

func (s *Store) setSetting(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO settings (name, value) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value`),
		key, value,
	)
	if err != nil {
		return storageErr("set setting", err)
	}
	return nil
}

// RiskThreshold returns the current alert threshold.
func (s *Store) RiskThreshold(ctx context.Context, grant authz.Grant) (float64, error) {
	if !grant.HasRole(anyRole...) {
		return 0, interfaces.ErrForbidden
	}
	return s.riskThreshold(ctx, s.db)
}

// riskThreshold falls back to the default when the stored value is missing
// or unparseable.
func (s *Store) riskThreshold(ctx context.Context, q querier) (float64, error) {
	raw, err := s.getSetting(ctx, q, interfaces.SettingRiskThreshold)
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.DefaultRiskThreshold, nil
	}
	if err != nil {
		return 0, err
	}

	threshold, err := parseThreshold(raw)
	if err != nil {
		s.log.Warn("Invalid risk threshold setting, using default", slog.String("value", raw), "err", err)
		return interfaces.DefaultRiskThreshold, nil
	}
	return threshold, nil
}

func parseThreshold(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: risk threshold must be a number in [0, 1]", interfaces.ErrInvalidInput)
	}
	return v, nil
}

// RecordModelVersion persists a new model version. Requires admin.
func (s *Store) RecordModelVersion(ctx context.Context, grant authz.Grant, version int64) error {
	if !grant.HasRole(interfaces.RoleAdmin) {
		return interfaces.ErrForbidden
	}

	// Concurrent retrains may finish out of order; the stored version only
	// moves forward.
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO settings (name, value) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value
			WHERE CAST(settings.value AS BIGINT) < CAST(excluded.value AS BIGINT)`),
		interfaces.SettingModelVersion, strconv.FormatInt(version, 10),
	)
	if err != nil {
		return storageErr("record model version", err)
	}
	return nil
}

// ModelVersion returns the persisted model version, used to seed the risk
// engine at startup. It reveals no record data and takes no grant.
func (s *Store) ModelVersion(ctx context.Context) (int64, error) {
	raw, err := s.getSetting(ctx, s.db, interfaces.SettingModelVersion)
	if errors.Is(err, interfaces.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		s.log.Warn("Invalid model version setting, using 1", slog.String("value", raw))
		return 1, nil
	}
	return v, nil
}
