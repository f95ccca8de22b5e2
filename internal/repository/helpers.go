package repository

import (
	"database/sql"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/seal"
)

// rowScanner is satisfied by *sql.Rows and *database.Row
type rowScanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatFromNull(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// nullStringFromString converts string to sql.NullString
func nullStringFromString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// stringFromNullString converts sql.NullString to string
func stringFromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// Sealed column helpers. aad binds each value to its owning row.

func sealFloatPtr(s *seal.Sealer, v *float64, aad []byte) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return s.SealFloat(*v, aad)
}

func openFloatPtr(s *seal.Sealer, sealed, aad []byte) (*float64, error) {
	if sealed == nil {
		return nil, nil
	}
	v, err := s.OpenFloat(sealed, aad)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func sealOptionalString(s *seal.Sealer, v string, aad []byte) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	return s.SealString(v, aad)
}

func openOptionalString(s *seal.Sealer, sealed, aad []byte) (string, error) {
	if sealed == nil {
		return "", nil
	}
	return s.OpenString(sealed, aad)
}

func sealOptionalBytes(s *seal.Sealer, v, aad []byte) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return s.Seal(v, aad)
}

func openOptionalBytes(s *seal.Sealer, sealed, aad []byte) ([]byte, error) {
	if sealed == nil {
		return nil, nil
	}
	return s.Open(sealed, aad)
}

// sealError reports a failure to seal a column value
func sealError(op, column string, err error) error {
	return errs.HandleEncryptionError(op, column, err)
}

// openError reports a sealed column that could not be opened
func openError(op, column string, err error) error {
	return errs.HandleCorruptionError(op, column, err)
}

// requireOne turns a zero-row mutation into NOT_FOUND
func requireOne(op, resource, id string, affected int64) error {
	if affected == 0 {
		return errs.HandleNotFound(op, resource, id)
	}
	return nil
}
