package domain

import "time"

// ViewRecord is the immutable dedup ledger entry written once per
// (paste, session bucket). It is only ever checked for existence.
type ViewRecord struct {
	PasteID   string    `json:"pasteId"`
	Bucket    string    `json:"sessionBucket"`
	AuthorUID string    `json:"authorUID,omitempty"`
	Guest     bool      `json:"guest"`
	UserAgent string    `json:"userAgent,omitempty"`
	ViewedAt  time.Time `json:"viewedAt"`
}

// EnvironmentSignals are the client hints an anonymous session identity
// is synthesized from. Stable within a browser session, nothing more.
type EnvironmentSignals struct {
	UserAgent string
	Locale    string
	Screen    string
	Timezone  string
}
