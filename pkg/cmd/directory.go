package cmd

import (
	"context"
	"fmt"

	"github.com/absamo/triven-workflow/pkg/config"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
)

// SeedDirectory writes dir into store in one transaction. Users are active
// unless the entry says otherwise; a preference is stored only when the
// entry sets a delivery mode, digest time or time zone.
func SeedDirectory(ctx context.Context, store persistence.Persistence, dir config.Directory) error {
	if len(dir.Users) == 0 && len(dir.Sites) == 0 {
		return nil
	}

	return store.Transact(ctx, func(ctx context.Context, repos persistence.Repositories) error {
		for _, s := range dir.Sites {
			site := models.Site{ID: s.ID, CompanyID: s.CompanyID, Name: s.Name, HeadUserID: s.HeadUserID}
			if err := repos.Sites().Save(ctx, &site); err != nil {
				return fmt.Errorf("failed to seed site %s: %w", s.ID, err)
			}
		}

		for _, u := range dir.Users {
			user := models.User{
				ID:        u.ID,
				CompanyID: u.CompanyID,
				Name:      u.Name,
				Email:     u.Email,
				ManagerID: u.ManagerID,
				SiteID:    u.SiteID,
				Roles:     u.Roles,
				Active:    u.Active == nil || *u.Active,
				Locale:    u.Locale,
			}

			if err := repos.Users().Save(ctx, &user); err != nil {
				return fmt.Errorf("failed to seed user %s: %w", u.ID, err)
			}

			if u.DeliveryMode == "" && u.DigestTime == "" && u.TimeZone == "" {
				continue
			}

			pref := models.Preference{
				UserID:     u.ID,
				Mode:       models.DeliveryMode(u.DeliveryMode),
				DigestTime: u.DigestTime,
				TimeZone:   u.TimeZone,
			}

			if pref.Mode == "" {
				pref.Mode = models.DeliveryImmediate
			}

			if err := repos.Preferences().Save(ctx, &pref); err != nil {
				return fmt.Errorf("failed to seed preference of %s: %w", u.ID, err)
			}
		}

		return nil
	})
}
