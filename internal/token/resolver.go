// ABOUTME: Return token issuance and single-use resolution
// ABOUTME: Tokens are 32 bytes of crypto/rand entropy; consumption is a compare-and-set so each resolves at most once

package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/copp1723/CCL-sub003/internal/ledger"
	"github.com/copp1723/CCL-sub003/internal/store"
)

// Resolution errors. Callers surface these as distinct outcomes: an expired
// link invites a fresh outreach step, an invalid one does not.
var (
	ErrTokenNotFound = errors.New("return token not found")
	ErrTokenExpired  = errors.New("return token expired")
)

// DefaultTokenTTL is how long a return link stays resolvable.
const DefaultTokenTTL = 7 * 24 * time.Hour

// Resolution is the outcome of a successful token resolve.
type Resolution struct {
	VisitorID string
	SessionID string
	Resumed   bool // true when an existing active session was reused
}

// Resolver issues single-use return tokens and resolves them back into chat
// sessions. Issue invalidates any prior live token for the visitor, so at most
// one outstanding link works at a time.
type Resolver struct {
	store  Store
	ledger *ledger.Recorder
	ttl    time.Duration
	logger *slog.Logger
}

// Store is the slice of persistence the resolver needs.
type Store interface {
	store.TokenStore
	store.SessionStore
	store.OutreachStore
}

// NewResolver creates a Resolver. Pass ttl 0 for the default.
func NewResolver(s Store, rec *ledger.Recorder, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		ledger: rec,
		ttl:    ttl,
		logger: logger.With("component", "token"),
	}
}

// Issue mints a fresh return token for the visitor, invalidating any prior
// live token. The returned value is the opaque string embedded in return URLs.
func (r *Resolver) Issue(ctx context.Context, visitorID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating return token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().UTC()
	err := r.store.InsertReturnToken(ctx, &store.ReturnToken{
		Token:     token,
		VisitorID: visitorID,
		ExpiresAt: now.Add(r.ttl),
		CreatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("storing return token: %w", err)
	}

	r.ledger.Record(ctx, store.EventTokenIssued, "issued return token", "token",
		map[string]any{"visitor_id": visitorID})

	return token, nil
}

// Resolve consumes the token and attaches the visitor to a chat session,
// resuming the visitor's active session when one exists and creating a fresh
// one otherwise. A token resolves successfully at most once; concurrent
// resolves of the same token see one winner and ErrTokenNotFound for the rest.
//
// Expiry is checked before consumption and reported as ErrTokenExpired without
// burning the token, so an operator extending the TTL makes stale links work
// again. Consumed and invalidated tokens are indistinguishable from unknown
// ones on purpose.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Resolution, error) {
	tok, err := r.store.GetReturnToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading return token: %w", err)
	}

	if !tok.Live() {
		return nil, ErrTokenNotFound
	}

	now := time.Now().UTC()
	if now.After(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	won, err := r.store.ConsumeReturnToken(ctx, token, now)
	if err != nil {
		return nil, fmt.Errorf("consuming return token: %w", err)
	}
	if !won {
		// Lost the race to a concurrent resolve.
		return nil, ErrTokenNotFound
	}

	res, err := r.attachSession(ctx, tok.VisitorID)
	if err != nil {
		return nil, err
	}

	// Click tracking and ledger entries are best effort.
	if err := r.store.MarkOutreachClicked(ctx, token, now); err != nil {
		r.logger.Warn("recording outreach click", "error", err)
	}
	r.ledger.Record(ctx, store.EventTokenConsumed, "return token consumed", "token",
		map[string]any{"visitor_id": tok.VisitorID, "session_id": res.SessionID})
	if res.Resumed {
		r.ledger.Record(ctx, store.EventSessionResumed, "visitor resumed chat session", "token",
			map[string]any{"visitor_id": tok.VisitorID, "session_id": res.SessionID})
	}

	return res, nil
}

func (r *Resolver) attachSession(ctx context.Context, visitorID string) (*Resolution, error) {
	sess, err := r.store.GetActiveSessionForVisitor(ctx, visitorID)
	if err == nil {
		return &Resolution{VisitorID: visitorID, SessionID: sess.ID, Resumed: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up active session: %w", err)
	}

	sess = &store.ChatSession{
		ID:        uuid.New().String(),
		VisitorID: &visitorID,
		Active:    true,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating resumed session: %w", err)
	}
	return &Resolution{VisitorID: visitorID, SessionID: sess.ID, Resumed: false}, nil
}
