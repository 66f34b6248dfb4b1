package domain

import (
	"strings"
	"time"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"

	DefaultTitle    = "Untitled Paste"
	DefaultLanguage = "text"
	AnonymousAuthor = "Anonymous"
)

type Paste struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Content             string    `json:"content"`
	Language            string    `json:"language"`
	AuthorUID           string    `json:"authorUID,omitempty"`
	AuthorName          string    `json:"authorName"`
	Visibility          string    `json:"visibility"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt,omitempty"`
	ExpiresAt           time.Time `json:"expiresAt"`
	ViewCount           int64     `json:"viewCount"`
	IsPasswordProtected bool      `json:"isPasswordProtected"`
	Password            string    `json:"password,omitempty"`
	URL                 string    `json:"url,omitempty"`
}

// Expired reports whether the paste is logically absent. Rows can outlive
// their expiry until the cleaner prunes them, so every read path gates on
// this rather than on physical presence.
func (p *Paste) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !p.ExpiresAt.After(now)
}

type Actor struct {
	UID         string
	DisplayName string
	Email       string
}

// DisplayOrFallback mirrors the author-name resolution order used at
// creation: explicit name, then display name, then contact address,
// then Anonymous.
func (a *Actor) DisplayOrFallback(explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if a == nil {
		return AnonymousAuthor
	}
	if a.DisplayName != "" {
		return a.DisplayName
	}
	if a.Email != "" {
		return a.Email
	}
	return AnonymousAuthor
}

type CreateParams struct {
	Title        string
	Content      string
	Language     string
	AuthorName   string
	Visibility   string
	ExpiryOption string
	Password     string
}

type UpdateParams struct {
	Title      string
	Content    string
	Language   string
	Visibility string
}

const (
	ExpiryNever  = "never"
	Expiry1Hour  = "1hour"
	Expiry6Hours = "6hours"
	Expiry1Day   = "1day"
	Expiry3Days  = "3days"
	Expiry1Week  = "1week"
)

// ExpiryFrom maps an expiry option to an absolute deadline. "never" and
// anything unrecognised still get a concrete deadline one month out; the
// system has no representation for a permanent paste.
func ExpiryFrom(option string, now time.Time) time.Time {
	switch option {
	case Expiry1Hour:
		return now.Add(1 * time.Hour)
	case Expiry6Hours:
		return now.Add(6 * time.Hour)
	case Expiry1Day:
		return now.AddDate(0, 0, 1)
	case Expiry3Days:
		return now.AddDate(0, 0, 3)
	case Expiry1Week:
		return now.AddDate(0, 0, 7)
	default:
		return now.AddDate(0, 1, 0)
	}
}

var fileExtensions = map[string]string{
	"javascript": "js",
	"python":     "py",
	"java":       "java",
	"html":       "html",
	"css":        "css",
	"json":       "json",
	"xml":        "xml",
	"sql":        "sql",
	"typescript": "ts",
	"php":        "php",
	"cpp":        "cpp",
	"c":          "c",
	"ruby":       "rb",
	"go":         "go",
	"rust":       "rs",
	"swift":      "swift",
	"kotlin":     "kt",
	"text":       "txt",
}

// FileExtension maps a language tag to the download filename extension.
// The table must stay in sync with extensions shared links already produced.
func FileExtension(language string) string {
	if ext, ok := fileExtensions[language]; ok {
		return ext
	}
	return "txt"
}

// PasteURL derives the canonical share link. Not stored authoritatively;
// always recomputed against the serving origin.
func PasteURL(origin, id string) string {
	return strings.TrimRight(origin, "/") + "/p/" + id
}
