// Package paste implements the lifecycle of a paste record: creation with
// expiry derivation and sensitive-content protection, gated retrieval,
// author and public listings, edits and deletion. Reads go through a
// two-level cache (in-process LRU, then Redis) in front of the document
// store.
package paste

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"aurapaste/cfg"
	"aurapaste/metrics"
	"aurapaste/pkg/domain"
	"aurapaste/pkg/guard"
	"aurapaste/svc/cache"
	"aurapaste/svc/store"
	"aurapaste/svc/util"
)

const redisCacheTTL = 10 * time.Minute

// ViewRecorder accepts fire-and-forget view notifications. Retrieval
// never waits on it.
type ViewRecorder interface {
	Enqueue(pasteID, authorUID, actorUID string, sig domain.EnvironmentSignals)
}

// AuthorCounters receives per-author paste counters after a successful
// create. Failures are logged and swallowed.
type AuthorCounters interface {
	BumpPasteCounters(ctx context.Context, uid string, public bool) error
}

type Service struct {
	store store.Store
	guard *guard.Guard
	lru   *cache.LRU
	rdb   *store.Redis
	views ViewRecorder
	stats AuthorCounters
	cfg   *cfg.Cfg
	now   func() time.Time
}

// New wires the lifecycle service. The store, guard, LRU and config are
// required; Redis, the view recorder and the stats sink may be nil and
// their side effects are skipped.
func New(st store.Store, g *guard.Guard, lru *cache.LRU, rdb *store.Redis, views ViewRecorder, stats AuthorCounters, c *cfg.Cfg) *Service {
	if st == nil || g == nil || lru == nil || c == nil {
		panic("paste service: nil dependency (store, guard, lru, or cfg)")
	}
	return &Service{
		store: st,
		guard: g,
		lru:   lru,
		rdb:   rdb,
		views: views,
		stats: stats,
		cfg:   c,
		now:   time.Now,
	}
}

// ReadOpts carries the per-request context of a retrieval: the supplied
// password, who is reading, and whether the read should count as a view.
type ReadOpts struct {
	Password  string
	ViewerUID string
	Signals   domain.EnvironmentSignals
	CountView bool
}

func (s *Service) Create(ctx context.Context, params domain.CreateParams, actor *domain.Actor) (*domain.Paste, error) {
	content := params.Content
	if strings.TrimSpace(content) == "" {
		return nil, domain.ErrContentRequired
	}
	if int64(len(content)) > s.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	visibility := params.Visibility
	if visibility == "" {
		visibility = domain.VisibilityPublic
	}
	if visibility != domain.VisibilityPublic && visibility != domain.VisibilityPrivate {
		return nil, domain.ErrInvalidRequest
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = domain.DefaultTitle
	}
	language := params.Language
	if language == "" {
		language = domain.DefaultLanguage
	}
	password := strings.TrimSpace(params.Password)
	hasPassword := password != ""

	now := s.now().UTC()
	p := domain.Paste{
		Title:               title,
		Content:             s.guard.EncryptIfSensitive(content),
		Language:            language,
		AuthorName:          actor.DisplayOrFallback(params.AuthorName),
		Visibility:          visibility,
		CreatedAt:           now,
		ExpiresAt:           domain.ExpiryFrom(params.ExpiryOption, now),
		ViewCount:           0,
		IsPasswordProtected: hasPassword,
	}
	if actor != nil {
		p.AuthorUID = actor.UID
	}
	if hasPassword {
		p.Password = password
	}

	id, err := s.store.Create(ctx, store.Pastes, p)
	if err != nil {
		util.Error().Err(err).Msg("paste create failed")
		return nil, classifyStoreErr(err)
	}
	metrics.PasteCreated.Inc()
	util.Debug().
		Str("id", id).
		Str("preview", util.RedactContent(content)).
		Bool("protected", hasPassword).
		Msg("paste stored")

	// The record carries the server-assigned timestamp; the returned
	// paste keeps the clock read taken here. Callers tolerate the skew.
	p.ID = id
	p.Content = content
	p.URL = domain.PasteURL(s.cfg.BaseURL, id)

	if s.stats != nil && p.AuthorUID != "" {
		if err := s.stats.BumpPasteCounters(ctx, p.AuthorUID, visibility == domain.VisibilityPublic); err != nil {
			util.Warn().Err(err).Str("uid", p.AuthorUID).Msg("failed to bump author counters")
		}
	}
	return &p, nil
}

// Get fetches a paste by id. A missing record reads as (nil, nil), not
// an error. Expiry is checked before the password gate, so an expired
// protected paste reports as expired. A successful read enqueues view
// accounting when opts.CountView is set and never waits for it.
func (s *Service) Get(ctx context.Context, id string, opts ReadOpts) (*domain.Paste, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	if p.Expired(s.now()) {
		return nil, domain.ErrPasteExpired
	}
	if p.IsPasswordProtected && opts.Password != p.Password {
		return nil, domain.ErrPasswordRequired
	}
	metrics.PasteRetrieved.Inc()
	if opts.CountView && s.views != nil {
		s.views.Enqueue(p.ID, p.AuthorUID, opts.ViewerUID, opts.Signals)
	}
	out := *p
	return &out, nil
}

// load reads through the cache hierarchy and returns the decrypted
// paste with its URL derived, or nil when the record is absent.
func (s *Service) load(ctx context.Context, id string) (*domain.Paste, error) {
	if p := s.lru.Get(ctx, id); p != nil {
		metrics.CacheHits.Inc()
		return p, nil
	}
	if s.rdb != nil {
		p, err := s.rdb.GetPaste(ctx, id)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("redis read failed")
		} else if p != nil {
			metrics.CacheHits.Inc()
			s.lru.Set(p)
			return p, nil
		}
	}
	metrics.CacheMisses.Inc()

	var p domain.Paste
	err := s.store.Get(ctx, store.Pastes, id, &p)
	if errors.Is(errors.Cause(err), store.ErrDocMissing) {
		return nil, nil
	}
	if err != nil {
		util.Error().Err(err).Str("id", id).Msg("paste read failed")
		return nil, classifyStoreErr(err)
	}
	s.present(&p)
	s.fillCaches(ctx, &p)
	return &p, nil
}

// present normalizes a stored record for callers: decrypted content,
// a derived share URL and a non-empty author name.
func (s *Service) present(p *domain.Paste) {
	p.Content = s.guard.Decrypt(p.Content)
	p.URL = domain.PasteURL(s.cfg.BaseURL, p.ID)
	if p.AuthorName == "" {
		p.AuthorName = domain.AnonymousAuthor
	}
}

func (s *Service) fillCaches(ctx context.Context, p *domain.Paste) {
	s.lru.Set(p)
	if s.rdb == nil {
		return
	}
	ttl := redisCacheTTL
	if until := time.Until(p.ExpiresAt); until < ttl {
		ttl = until
	}
	if err := s.rdb.CachePaste(ctx, p, ttl); err != nil {
		util.Warn().Err(err).Str("id", p.ID).Msg("redis cache write failed")
	}
}

func (s *Service) invalidate(ctx context.Context, id string) {
	s.lru.Delete(id)
	if s.rdb != nil {
		if err := s.rdb.DeletePaste(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("redis invalidate failed")
		}
	}
}

// ListByAuthor returns the author's pastes newest first. Any backend
// failure degrades to an empty list; callers cannot tell "no pastes"
// from "query failed".
func (s *Service) ListByAuthor(ctx context.Context, authorUID string) []*domain.Paste {
	if authorUID == "" {
		return []*domain.Paste{}
	}
	docs, err := s.store.Query(ctx, store.Pastes,
		[]store.Filter{{Field: "authorUID", Value: authorUID}},
		store.Order{Desc: true}, 0,
	)
	if err != nil {
		util.Warn().Err(err).Str("uid", authorUID).Msg("author listing failed")
		return []*domain.Paste{}
	}
	return s.decode(docs, false)
}

// ListRecentPublic returns up to limit public pastes newest first, with
// expired records filtered out after the fetch. Empty list on error.
func (s *Service) ListRecentPublic(ctx context.Context, limit int) []*domain.Paste {
	if limit <= 0 {
		limit = s.cfg.RecentLimit
	}
	docs, err := s.store.Query(ctx, store.Pastes,
		[]store.Filter{{Field: "visibility", Value: domain.VisibilityPublic}},
		store.Order{Desc: true}, limit,
	)
	if err != nil {
		util.Warn().Err(err).Msg("public listing failed")
		return []*domain.Paste{}
	}
	return s.decode(docs, true)
}

func (s *Service) decode(docs []store.Doc, dropExpired bool) []*domain.Paste {
	now := s.now()
	out := make([]*domain.Paste, 0, len(docs))
	for _, d := range docs {
		var p domain.Paste
		if err := json.Unmarshal(d.Data, &p); err != nil {
			util.Warn().Err(err).Str("id", d.ID).Msg("skipping undecodable paste")
			continue
		}
		if dropExpired && p.Expired(now) {
			continue
		}
		s.present(&p)
		out = append(out, &p)
	}
	return out
}

// AuthorOf reports who owns a paste, so callers can run their own
// ownership checks before an edit. Missing records surface as not found
// here, unlike Get.
func (s *Service) AuthorOf(ctx context.Context, id string) (string, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", domain.ErrPasteNotFound
	}
	return p.AuthorUID, nil
}

// Update replaces title, content, language and visibility. Expiry,
// password state and authorship are immutable here; ownership is the
// caller's check, not this operation's.
func (s *Service) Update(ctx context.Context, id string, params domain.UpdateParams) error {
	if strings.TrimSpace(params.Content) == "" {
		return domain.ErrContentRequired
	}
	if int64(len(params.Content)) > s.cfg.MaxPasteSize {
		return domain.ErrPasteTooLarge
	}
	if params.Visibility != domain.VisibilityPublic && params.Visibility != domain.VisibilityPrivate {
		return domain.ErrInvalidRequest
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = domain.DefaultTitle
	}
	language := params.Language
	if language == "" {
		language = domain.DefaultLanguage
	}
	patch := map[string]any{
		"title":      title,
		"content":    s.guard.EncryptIfSensitive(params.Content),
		"language":   language,
		"visibility": params.Visibility,
	}
	err := s.store.Update(ctx, store.Pastes, id, patch)
	if errors.Is(errors.Cause(err), store.ErrDocMissing) {
		return domain.ErrPasteNotFound
	}
	if err != nil {
		util.Error().Err(err).Str("id", id).Msg("paste update failed")
		return classifyStoreErr(err)
	}
	metrics.PasteUpdated.Inc()
	s.invalidate(ctx, id)
	return nil
}

// Delete removes a paste. When requestingUID is non-empty it must match
// the record's author; an empty requestingUID skips the ownership check
// entirely, which is the administrative path.
func (s *Service) Delete(ctx context.Context, id, requestingUID string) error {
	var p domain.Paste
	err := s.store.Get(ctx, store.Pastes, id, &p)
	if errors.Is(errors.Cause(err), store.ErrDocMissing) {
		return domain.ErrPasteNotFound
	}
	if err != nil {
		util.Error().Err(err).Str("id", id).Msg("paste delete read failed")
		return classifyStoreErr(err)
	}
	if requestingUID != "" && requestingUID != p.AuthorUID {
		return domain.ErrForbidden
	}
	if err := s.store.Delete(ctx, store.Pastes, id); err != nil {
		util.Error().Err(err).Str("id", id).Msg("paste delete failed")
		return classifyStoreErr(err)
	}
	metrics.PasteDeleted.Inc()
	s.invalidate(ctx, id)
	return nil
}

// classifyStoreErr maps store failures onto the user-facing taxonomy.
// Everything unclassified collapses into a generic internal failure
// with the underlying message kept for the logs.
func classifyStoreErr(err error) error {
	switch {
	case store.IsUnavailable(err):
		return domain.ErrBackendUnavailable
	case store.IsPermissionDenied(err):
		return domain.ErrPermissionDenied
	default:
		return errors.WithMessage(domain.ErrInternalServer, err.Error())
	}
}
