package repository

import (
	"context"
	"strings"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/seal"
	"trailkeep/internal/types"
)

const preferenceColumns = `key, value, encrypted, created_at, updated_at`

// scanPreference maps one user_preferences row, opening encrypted values
func scanPreference(s *seal.Sealer, row rowScanner) (types.UserPreference, error) {
	var (
		p                    types.UserPreference
		value                []byte
		encrypted            int
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.Key, &value, &encrypted, &createdAt, &updatedAt); err != nil {
		return types.UserPreference{}, errs.WrapDatabaseError("scanPreference", err)
	}
	p.Encrypted = encrypted == 1
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)

	if !p.Encrypted {
		p.Value = string(value)
		return p, nil
	}
	plain, err := s.OpenString(value, []byte(p.Key))
	if err != nil {
		return types.UserPreference{}, openError("scanPreference", "user_preferences."+p.Key, err)
	}
	p.Value = plain
	return p, nil
}

// SetPreference upserts a preference, sealing the value when encrypted is set.
// created_at is kept from the first write.
func (r *SQLiteRepository) SetPreference(ctx context.Context, key, value string, encrypted bool) error {
	const op = "SetPreference"
	if strings.TrimSpace(key) == "" {
		return errs.NewValidationError(op, "key", key, "preference key is empty")
	}

	stored := []byte(value)
	flag := 0
	if encrypted {
		s, err := r.sealer(op)
		if err != nil {
			return err
		}
		if stored, err = s.SealString(value, []byte(key)); err != nil {
			return sealError(op, "user_preferences."+key, err)
		}
		flag = 1
	}
	now := toMillis(r.now())

	return r.run(ctx, op, func() error {
		return r.exec.ExecuteSQL(ctx, `INSERT INTO user_preferences (`+preferenceColumns+`)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, encrypted = excluded.encrypted, updated_at = excluded.updated_at`,
			key, stored, flag, now, now)
	})
}

// GetPreference loads a preference; ok is false when the key is absent
func (r *SQLiteRepository) GetPreference(ctx context.Context, key string) (*types.UserPreference, bool, error) {
	const op = "GetPreference"
	s, err := r.sealer(op)
	if err != nil {
		return nil, false, err
	}

	var (
		pref  types.UserPreference
		found bool
	)
	err = r.run(ctx, op, func() error {
		row := r.exec.ExecuteQueryRow(ctx, `SELECT `+preferenceColumns+` FROM user_preferences WHERE key = ?`, key)
		var scanErr error
		pref, scanErr = scanPreference(s, row)
		if errs.IsNotFound(scanErr) {
			found = false
			return nil
		}
		found = scanErr == nil
		return scanErr
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &pref, true, nil
}

// ListPreferences returns preferences whose key starts with prefix, sorted by key
func (r *SQLiteRepository) ListPreferences(ctx context.Context, prefix string) ([]types.UserPreference, error) {
	const op = "ListPreferences"
	s, err := r.sealer(op)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + preferenceColumns + ` FROM user_preferences WHERE substr(key, 1, ?) = ? ORDER BY key`

	var prefs []types.UserPreference
	err = r.run(ctx, op, func() error {
		prefs = prefs[:0]
		rows, err := r.exec.ExecuteQuery(ctx, query, len(prefix), prefix)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPreference(s, rows)
			if err != nil {
				return err
			}
			prefs = append(prefs, p)
		}
		if err := rows.Err(); err != nil {
			return errs.WrapStatementError(op, err, query)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prefs, nil
}

// DeletePreference removes a preference. Deleting an absent key is not an error.
func (r *SQLiteRepository) DeletePreference(ctx context.Context, key string) error {
	return r.run(ctx, "DeletePreference", func() error {
		_, err := r.exec.ExecuteUpdate(ctx, `DELETE FROM user_preferences WHERE key = ?`, key)
		return err
	})
}

// DeletePreferencesByPrefix removes every preference whose key starts with prefix.
// An empty prefix removes them all.
func (r *SQLiteRepository) DeletePreferencesByPrefix(ctx context.Context, prefix string) (int64, error) {
	var n int64
	err := r.run(ctx, "DeletePreferencesByPrefix", func() error {
		var err error
		n, err = r.exec.ExecuteUpdate(ctx,
			`DELETE FROM user_preferences WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
		return err
	})
	return n, err
}
