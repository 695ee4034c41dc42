package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDriveNotFound is returned when no drive matches a lookup.
var ErrDriveNotFound = fmt.Errorf("drive not found")

// Drive is a user's binding to a remote storage backend. Credentials
// are an opaque JSON blob interpreted by the matching drive provider.
type Drive struct {
	ID          string          `json:"id"`
	UserID      int64           `json:"userId"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Credentials json.RawMessage `json:"credentials"`
	IsDefault   bool            `json:"isDefault"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// DriveStore persists per-user drive bindings. Each user has at most
// one default drive; uploads without an explicit target use it.
type DriveStore struct {
	b     backend
	clock func() time.Time
}

// NewDriveStore wraps |b|. The schema must already exist.
func NewDriveStore(b backend) *DriveStore {
	return &DriveStore{b: b, clock: time.Now}
}

// Bind records a new drive for |drive.UserID|. The user's first drive
// becomes their default.
func (s *DriveStore) Bind(ctx context.Context, drive *Drive) error {
	if drive.UserID == 0 || drive.Type == "" {
		return fmt.Errorf("drive requires a user and a type")
	}
	if drive.ID == "" {
		drive.ID = uuid.NewString()
	}
	if drive.Name == "" {
		drive.Name = drive.Type
	}
	if len(drive.Credentials) == 0 {
		drive.Credentials = json.RawMessage(`{}`)
	}
	drive.CreatedAt = s.clock().UTC()

	existing, err := s.ListByUser(ctx, drive.UserID)
	if err != nil {
		return err
	}
	drive.IsDefault = drive.IsDefault || len(existing) == 0

	if drive.IsDefault {
		if err = s.clearDefault(ctx, drive.UserID); err != nil {
			return err
		}
	}
	if _, err = s.b.Exec(ctx,
		`INSERT INTO drives (id, user_id, name, type, credentials, is_default, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		drive.ID, drive.UserID, drive.Name, drive.Type,
		string(drive.Credentials), boolToInt(drive.IsDefault),
		drive.CreatedAt.Format(timeLayout)); err != nil {
		return fmt.Errorf("binding drive for user %d: %w", drive.UserID, err)
	}
	return nil
}

// Get returns |userID|'s drive |id|, or ErrDriveNotFound. The owner
// check keeps callback payloads from reaching another user's drive.
func (s *DriveStore) Get(ctx context.Context, userID int64, id string) (*Drive, error) {
	rows, err := s.b.Query(ctx,
		`SELECT * FROM drives WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return nil, fmt.Errorf("reading drive %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, ErrDriveNotFound
	}
	return driveFromRow(rows[0]), nil
}

// GetDefault returns |userID|'s default drive, or ErrDriveNotFound
// when the user has no bindings.
func (s *DriveStore) GetDefault(ctx context.Context, userID int64) (*Drive, error) {
	rows, err := s.b.Query(ctx,
		`SELECT * FROM drives WHERE user_id = ? AND is_default = 1`, userID)
	if err != nil {
		return nil, fmt.Errorf("reading default drive of user %d: %w", userID, err)
	}
	if len(rows) == 0 {
		return nil, ErrDriveNotFound
	}
	return driveFromRow(rows[0]), nil
}

// SetDefault makes drive |id| the user's default, clearing any prior
// default.
func (s *DriveStore) SetDefault(ctx context.Context, userID int64, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	if err := s.clearDefault(ctx, userID); err != nil {
		return err
	}
	if _, err := s.b.Exec(ctx,
		`UPDATE drives SET is_default = 1 WHERE id = ? AND user_id = ?`,
		id, userID); err != nil {
		return fmt.Errorf("setting default drive of user %d: %w", userID, err)
	}
	return nil
}

// Unbind removes drive |id|. When the default is removed, the oldest
// surviving binding is promoted so the user keeps a usable default.
func (s *DriveStore) Unbind(ctx context.Context, userID int64, id string) error {
	drive, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if _, err = s.b.Exec(ctx,
		`DELETE FROM drives WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("unbinding drive %s: %w", id, err)
	}
	if !drive.IsDefault {
		return nil
	}
	remaining, err := s.ListByUser(ctx, userID)
	if err != nil || len(remaining) == 0 {
		return err
	}
	return s.SetDefault(ctx, userID, remaining[0].ID)
}

// UnbindAll removes every binding of |userID|.
func (s *DriveStore) UnbindAll(ctx context.Context, userID int64) error {
	if _, err := s.b.Exec(ctx,
		`DELETE FROM drives WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("unbinding drives of user %d: %w", userID, err)
	}
	return nil
}

// ListByUser returns |userID|'s bindings, oldest first.
func (s *DriveStore) ListByUser(ctx context.Context, userID int64) ([]*Drive, error) {
	rows, err := s.b.Query(ctx,
		`SELECT * FROM drives WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing drives of user %d: %w", userID, err)
	}
	var out = make([]*Drive, 0, len(rows))
	for _, r := range rows {
		out = append(out, driveFromRow(r))
	}
	return out, nil
}

func (s *DriveStore) clearDefault(ctx context.Context, userID int64) error {
	if _, err := s.b.Exec(ctx,
		`UPDATE drives SET is_default = 0 WHERE user_id = ? AND is_default = 1`,
		userID); err != nil {
		return fmt.Errorf("clearing default drive of user %d: %w", userID, err)
	}
	return nil
}

func driveFromRow(r row) *Drive {
	return &Drive{
		ID:          r.str("id"),
		UserID:      r.int64("user_id"),
		Name:        r.str("name"),
		Type:        r.str("type"),
		Credentials: json.RawMessage(r.str("credentials")),
		IsDefault:   r.int64("is_default") != 0,
		CreatedAt:   r.time("created_at"),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
