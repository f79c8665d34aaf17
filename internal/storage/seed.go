package storage

import (
	"context"
	"errors"
	"fmt"
)

// SeedAdmin makes sure tgID exists as a super admin. It reports whether a row was
// created. A zero tgID is a no-op.
func SeedAdmin(ctx context.Context, dir Directory, tgID int64, name string) (bool, error) {
	if tgID == 0 {
		return false, nil
	}
	if _, err := dir.FindAdminByTGID(ctx, tgID); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("seed admin: %w", err)
	}
	if name == "" {
		name = "Initial admin"
	}
	if _, err := dir.AddAdmin(ctx, Admin{TGID: tgID, Name: name, IsSuper: true}); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("seed admin: %w", err)
	}
	return true, nil
}
