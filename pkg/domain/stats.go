package domain

import (
	"sort"
	"time"
)

// UserStats is the per-account aggregate advanced as a side effect of
// paste creation and counted views. It lives in the users collection.
type UserStats struct {
	UID               string    `json:"uid"`
	DisplayName       string    `json:"displayName,omitempty"`
	Email             string    `json:"email,omitempty"`
	TotalPastes       int64     `json:"totalPastes"`
	TotalViews        int64     `json:"totalViews"`
	PublicPastes      int64     `json:"publicPastes"`
	ActiveDays        int64     `json:"activeDays"`
	RecentViews30Days int64     `json:"recentViews30Days"`
	IsAdmin           bool      `json:"isAdmin"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActive        time.Time `json:"lastActive"`
}

// Badge is a display-tier achievement attached to an author's name.
type Badge struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// Badges computes the display tiers for a stats aggregate, highest
// priority first. Thresholds are part of the public contract; pastes
// already rendered with a badge must keep earning it.
func (s *UserStats) Badges() []Badge {
	var badges []Badge
	if s.IsAdmin {
		badges = append(badges, Badge{Type: "admin", Title: "Admin", Description: "Platform Administrator", Priority: 1})
	}
	if s.TotalViews >= 100000 {
		badges = append(badges, Badge{Type: "legendary", Title: "Legendary Creator", Description: "100,000+ total views", Priority: 2})
	}
	if s.TotalViews >= 10000 {
		badges = append(badges, Badge{Type: "viral", Title: "Viral Creator", Description: "10,000+ total views", Priority: 3})
	}
	if s.TotalPastes >= 50 && s.TotalViews >= 5000 {
		badges = append(badges, Badge{Type: "elite", Title: "Elite Member", Description: "50+ pastes & 5,000+ views", Priority: 4})
	}
	if s.RecentViews30Days >= 1000 {
		badges = append(badges, Badge{Type: "popular", Title: "Popular Creator", Description: "1,000+ views in 30 days", Priority: 5})
	}
	if s.TotalPastes >= 25 {
		badges = append(badges, Badge{Type: "creator", Title: "Content Creator", Description: "25+ pastes created", Priority: 6})
	}
	if s.ActiveDays >= 20 {
		badges = append(badges, Badge{Type: "active", Title: "Active Member", Description: "20+ days active", Priority: 7})
	}
	sort.Slice(badges, func(i, j int) bool { return badges[i].Priority < badges[j].Priority })
	return badges
}

// Achievement is a progress-tracked milestone shown on the profile page.
type Achievement struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Requirement int64  `json:"requirement"`
	Type        string `json:"type"`
	Unlocked    bool   `json:"unlocked"`
	Progress    int64  `json:"progress"`
}

type achievementDef struct {
	id, title, description string
	requirement            int64
	kind                   string
}

var achievementDefs = []achievementDef{
	{"first_paste", "First Steps", "Create your first paste", 1, "pastes"},
	{"paste_creator", "Paste Creator", "Create 5 pastes", 5, "pastes"},
	{"prolific_writer", "Prolific Writer", "Create 25 pastes", 25, "pastes"},
	{"paste_master", "Paste Master", "Create 100 pastes", 100, "pastes"},
	{"first_view", "Getting Noticed", "Get your first view", 1, "views"},
	{"popular_content", "Popular Content", "Get 100 total views", 100, "views"},
	{"viral_creator", "Viral Creator", "Get 1000 total views", 1000, "views"},
	{"view_legend", "View Legend", "Get 10000 total views", 10000, "views"},
	{"public_sharer", "Public Sharer", "Create your first public paste", 1, "public_pastes"},
	{"community_contributor", "Community Contributor", "Create 10 public pastes", 10, "public_pastes"},
	{"open_source_hero", "Open Source Hero", "Create 50 public pastes", 50, "public_pastes"},
}

func (s *UserStats) Achievements() []Achievement {
	out := make([]Achievement, 0, len(achievementDefs))
	for _, d := range achievementDefs {
		var have int64
		switch d.kind {
		case "pastes":
			have = s.TotalPastes
		case "views":
			have = s.TotalViews
		case "public_pastes":
			have = s.PublicPastes
		}
		progress := have
		if progress > d.requirement {
			progress = d.requirement
		}
		out = append(out, Achievement{
			ID:          d.id,
			Title:       d.title,
			Description: d.description,
			Requirement: d.requirement,
			Type:        d.kind,
			Unlocked:    have >= d.requirement,
			Progress:    progress,
		})
	}
	return out
}
