package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foliodeploy/internal/derrors"
)

// Installation is a recorded grant of the application. Rows are never
// updated; a reinstall appends a row that supersedes the earlier ones.
type Installation struct {
	InstallationID      int64     `json:"installationId"`
	AccountLogin        string    `json:"accountLogin"`
	AccountType         string    `json:"accountType,omitempty"`
	RepositorySelection string    `json:"repositorySelection"`
	SetupAction         string    `json:"setupAction,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// RecordInstallation appends an installation row.
func (s *Store) RecordInstallation(ctx context.Context, inst *Installation) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installations
		(installation_id, account_login, account_type, repository_selection, setup_action, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		inst.InstallationID,
		inst.AccountLogin,
		nullString(inst.AccountType),
		inst.RepositorySelection,
		nullString(inst.SetupAction),
		formatTime(inst.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert installation: %w", err)
	}
	return nil
}

// LatestInstallation returns the newest row for installationID.
func (s *Store) LatestInstallation(ctx context.Context, installationID int64) (*Installation, error) {
	var (
		inst                     Installation
		accountType, setupAction sql.NullString
		createdAt                string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT installation_id, account_login, account_type, repository_selection, setup_action, created_at
		FROM installations
		WHERE installation_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, installationID).Scan(
		&inst.InstallationID,
		&inst.AccountLogin,
		&accountType,
		&inst.RepositorySelection,
		&setupAction,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.NotFound("installation", fmt.Sprintf("%d", installationID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query installation: %w", err)
	}

	inst.AccountType = accountType.String
	inst.SetupAction = setupAction.String
	if inst.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &inst, nil
}
