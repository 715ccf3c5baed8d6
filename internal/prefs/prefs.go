// Package prefs stores per-user settings. Fields are whitelisted: a
// preference update names one known field or it is rejected, so arbitrary
// keys can never accumulate in the store. Reading a user who has no row
// yet creates one with defaults.
package prefs

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"erppilot/internal/logging"
)

// Verbosity levels for response articulation.
const (
	VerbosityTerse    = "terse"
	VerbosityNormal   = "normal"
	VerbosityDetailed = "detailed"
)

// Whitelisted preference field names.
const (
	FieldResponseVerbosity = "response_verbosity"
	FieldConfirmThreshold  = "confirm_threshold"
	FieldMaxHistory        = "max_conversation_history"
	FieldDefaultCompany    = "default_company"
)

// UserPreference holds one user's settings.
type UserPreference struct {
	UserID            string
	ResponseVerbosity string
	ConfirmThreshold  float64 // overrides the global confidence floor when > 0
	MaxHistory        int
	DefaultCompany    string
}

// Defaults returns the preference row created on first read.
func Defaults(userID string) *UserPreference {
	return &UserPreference{
		UserID:            userID,
		ResponseVerbosity: VerbosityNormal,
		ConfirmThreshold:  0,
		MaxHistory:        5,
		DefaultCompany:    "",
	}
}

// Store persists preferences in SQLite.
type Store struct {
	db *sql.DB
}

const prefsSchema = `
CREATE TABLE IF NOT EXISTS user_preferences (
	user_id TEXT PRIMARY KEY,
	response_verbosity TEXT NOT NULL DEFAULT 'normal',
	confirm_threshold REAL NOT NULL DEFAULT 0,
	max_conversation_history INTEGER NOT NULL DEFAULT 5,
	default_company TEXT NOT NULL DEFAULT ''
);
`

// NewStore wraps an open database and ensures the schema.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(prefsSchema); err != nil {
		return nil, fmt.Errorf("failed to create preferences table: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the user's preferences, creating the default row on first
// read.
func (s *Store) Get(ctx context.Context, userID string) (*UserPreference, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id required")
	}

	p := &UserPreference{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT response_verbosity, confirm_threshold, max_conversation_history, default_company
		 FROM user_preferences WHERE user_id = ?`, userID,
	).Scan(&p.ResponseVerbosity, &p.ConfirmThreshold, &p.MaxHistory, &p.DefaultCompany)
	if err == sql.ErrNoRows {
		p = Defaults(userID)
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO user_preferences (user_id, response_verbosity, confirm_threshold,
			 max_conversation_history, default_company) VALUES (?, ?, ?, ?, ?)`,
			p.UserID, p.ResponseVerbosity, p.ConfirmThreshold, p.MaxHistory, p.DefaultCompany); err != nil {
			return nil, fmt.Errorf("failed to create default preferences: %w", err)
		}
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("preference lookup failed: %w", err)
	}
	return p, nil
}

// Set updates one whitelisted field. The value is validated per field;
// anything else is rejected.
func (s *Store) Set(ctx context.Context, userID, field, value string) error {
	// Ensure the row exists so updates never silently no-op.
	if _, err := s.Get(ctx, userID); err != nil {
		return err
	}

	var column string
	var typed interface{}

	switch field {
	case FieldResponseVerbosity:
		v := strings.ToLower(strings.TrimSpace(value))
		if v != VerbosityTerse && v != VerbosityNormal && v != VerbosityDetailed {
			return fmt.Errorf("response_verbosity must be terse, normal, or detailed")
		}
		column, typed = "response_verbosity", v
	case FieldConfirmThreshold:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("confirm_threshold must be a number in [0,1]")
		}
		column, typed = "confirm_threshold", f
	case FieldMaxHistory:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 1 || n > 100 {
			return fmt.Errorf("max_conversation_history must be an integer in [1,100]")
		}
		column, typed = "max_conversation_history", n
	case FieldDefaultCompany:
		column, typed = "default_company", strings.TrimSpace(value)
	default:
		return fmt.Errorf("unknown preference field %q", field)
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE user_preferences SET %s = ? WHERE user_id = ?`, column),
		typed, userID)
	if err != nil {
		return fmt.Errorf("failed to update preference: %w", err)
	}
	logging.Store("preference %s=%v for user %s", field, typed, userID)
	return nil
}

// Fields lists the whitelisted preference field names.
func Fields() []string {
	return []string{
		FieldResponseVerbosity,
		FieldConfirmThreshold,
		FieldMaxHistory,
		FieldDefaultCompany,
	}
}
