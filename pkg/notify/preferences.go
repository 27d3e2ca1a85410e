package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
)

// StorePreferences reads preferences from persistence, filling address and
// locale from the user record. Users without a stored preference get immediate delivery.
type StorePreferences struct {
	repos persistence.Repositories
}

func NewStorePreferences(repos persistence.Repositories) *StorePreferences {
	return &StorePreferences{repos: repos}
}

func (s *StorePreferences) Preference(ctx context.Context, userID string) (models.Preference, error) {
	pref := models.Preference{UserID: userID, Mode: models.DeliveryImmediate}

	stored, err := s.repos.Preferences().ByUser(ctx, userID)

	switch {
	case err == nil:
		pref = *stored
	case !errors.Is(err, persistence.ErrPreferenceNotFound):
		return models.Preference{}, err
	}

	if pref.Email == "" || pref.Locale == "" {
		user, err := s.repos.Users().ByID(ctx, userID)

		switch {
		case err == nil:
			if pref.Email == "" {
				pref.Email = user.Email
			}

			if pref.Locale == "" {
				pref.Locale = user.Locale
			}
		case !errors.Is(err, persistence.ErrUserNotFound):
			return models.Preference{}, err
		}
	}

	if pref.Location == nil {
		pref.Location = time.UTC

		if pref.TimeZone != "" {
			loc, err := time.LoadLocation(pref.TimeZone)
			if err != nil {
				return models.Preference{}, fmt.Errorf("user %s time zone: %w", userID, err)
			}

			pref.Location = loc
		}
	}

	return pref, nil
}

// StaticPreferences is a fixed preference table, used where preferences are passed in explicitly.
type StaticPreferences map[string]models.Preference

func (s StaticPreferences) Preference(_ context.Context, userID string) (models.Preference, error) {
	if p, ok := s[userID]; ok {
		return p, nil
	}

	return models.Preference{UserID: userID, Mode: models.DeliveryImmediate}, nil
}
