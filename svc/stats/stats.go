// Package stats maintains the per-author aggregates behind profile
// badges and achievements. Writes piggyback on paste creation and view
// accounting; reads are collapsed with singleflight so a hot profile
// page is one store round trip.
package stats

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"aurapaste/pkg/domain"
	"aurapaste/svc/store"
	"aurapaste/svc/util"
)

const recentWindow = 30 * 24 * time.Hour

type Service struct {
	store  store.Store
	admins map[string]struct{}
	sf     singleflight.Group
	now    func() time.Time
}

func New(st store.Store, adminEmails []string) *Service {
	if st == nil {
		panic("stats service: nil store")
	}
	admins := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			admins[e] = struct{}{}
		}
	}
	return &Service{store: st, admins: admins, now: time.Now}
}

func (s *Service) IsAdmin(email string) bool {
	_, ok := s.admins[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// SaveUserInfo upserts the account document for an authenticated actor:
// profile fields, the admin flag from the allow list, and the active-day
// counter when the actor shows up on a new calendar day.
func (s *Service) SaveUserInfo(ctx context.Context, actor domain.Actor) error {
	if actor.UID == "" {
		return nil
	}
	now := s.now().UTC()
	err := s.store.Transaction(ctx, func(tx store.Tx) error {
		var cur domain.UserStats
		err := tx.Get(store.Users, actor.UID, &cur)
		if errors.Is(errors.Cause(err), store.ErrDocMissing) {
			return tx.Create(store.Users, actor.UID, domain.UserStats{
				UID:         actor.UID,
				DisplayName: actor.DisplayName,
				Email:       actor.Email,
				IsAdmin:     s.IsAdmin(actor.Email),
				ActiveDays:  1,
				CreatedAt:   now,
				LastActive:  now,
			})
		}
		if err != nil {
			return err
		}
		patch := map[string]any{
			"displayName": actor.DisplayName,
			"email":       actor.Email,
			"isAdmin":     s.IsAdmin(actor.Email),
			"lastActive":  now.Format(time.RFC3339Nano),
		}
		if err := tx.Update(store.Users, actor.UID, patch); err != nil {
			return err
		}
		if !sameDay(cur.LastActive, now) {
			return tx.Increment(store.Users, actor.UID, "activeDays", 1)
		}
		return nil
	})
	return errors.Wrap(err, "save user info")
}

// BumpPasteCounters advances totalPastes (and publicPastes for public
// pastes) after a successful create. The account document is created on
// demand so counters never get lost for first-time authors.
func (s *Service) BumpPasteCounters(ctx context.Context, uid string, public bool) error {
	if uid == "" {
		return nil
	}
	err := s.store.Transaction(ctx, func(tx store.Tx) error {
		if err := s.ensureUser(tx, uid); err != nil {
			return err
		}
		if err := tx.Increment(store.Users, uid, "totalPastes", 1); err != nil {
			return err
		}
		if public {
			return tx.Increment(store.Users, uid, "publicPastes", 1)
		}
		return nil
	})
	return errors.Wrap(err, "bump paste counters")
}

// AddViews credits counted views to the author. The 30-day counter is a
// coarse rolling window: it resets whenever the previous window has
// fully elapsed, which keeps the popular badge honest without a
// per-view timestamp scan.
func (s *Service) AddViews(ctx context.Context, uid string, n int64) error {
	if uid == "" || n == 0 {
		return nil
	}
	now := s.now().UTC()
	err := s.store.Transaction(ctx, func(tx store.Tx) error {
		if err := s.ensureUser(tx, uid); err != nil {
			return err
		}
		var win struct {
			WindowStart time.Time `json:"recentWindowStart"`
		}
		if err := tx.Get(store.Users, uid, &win); err != nil {
			return err
		}
		if win.WindowStart.IsZero() || now.Sub(win.WindowStart) > recentWindow {
			if err := tx.Update(store.Users, uid, map[string]any{
				"recentWindowStart": now.Format(time.RFC3339Nano),
				"recentViews30Days": 0,
			}); err != nil {
				return err
			}
		}
		if err := tx.Increment(store.Users, uid, "totalViews", n); err != nil {
			return err
		}
		return tx.Increment(store.Users, uid, "recentViews30Days", n)
	})
	return errors.Wrap(err, "add views")
}

func (s *Service) ensureUser(tx store.Tx, uid string) error {
	ok, err := tx.Exists(store.Users, uid)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	now := s.now().UTC()
	return tx.Create(store.Users, uid, domain.UserStats{
		UID:        uid,
		ActiveDays: 1,
		CreatedAt:  now,
		LastActive: now,
	})
}

// Stats reads the aggregate for a user. Concurrent reads for the same
// uid share one store round trip. A user with no document yet reads as
// an all-zero aggregate, not an error.
func (s *Service) Stats(ctx context.Context, uid string) (*domain.UserStats, error) {
	v, err, shared := s.sf.Do(uid, func() (any, error) {
		var st domain.UserStats
		err := s.store.Get(ctx, store.Users, uid, &st)
		if errors.Is(errors.Cause(err), store.ErrDocMissing) {
			return &domain.UserStats{UID: uid}, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "load user stats")
		}
		return &st, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		util.Debug().Str("uid", uid).Msg("stats read coalesced")
	}
	return v.(*domain.UserStats), nil
}

func (s *Service) Badges(ctx context.Context, uid string) ([]domain.Badge, error) {
	st, err := s.Stats(ctx, uid)
	if err != nil {
		return nil, err
	}
	return st.Badges(), nil
}

func (s *Service) Achievements(ctx context.Context, uid string) ([]domain.Achievement, error) {
	st, err := s.Stats(ctx, uid)
	if err != nil {
		return nil, err
	}
	return st.Achievements(), nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
