package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"time"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/session"
	"github.com/leofalp/chatcheckpoint/providers/observability"
)

// DefaultPageSize is the number of snapshots fetched per backend round trip
// by [Store.History].
const DefaultPageSize = 50

// Store assigns sequence numbers and persists snapshots through a backend.
type Store struct {
	backend  backend.Backend
	now      func() time.Time
	pageSize int
	observer observability.Provider
}

// Option configures a Store.
type Option func(*Store)

// WithPageSize sets the history page size. Non-positive values are ignored.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithClock overrides the source of snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithObserver traces snapshot writes.
func WithObserver(observer observability.Provider) Option {
	return func(s *Store) { s.observer = observer }
}

// New returns a Store writing through b.
func New(b backend.Backend, opts ...Option) *Store {
	s := &Store{
		backend:  b,
		now:      time.Now,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put appends newMessages to the latest snapshot of sess and stores the result
// as the next sequence (1 for a new session). A nil metadata map carries the
// prior snapshot's metadata forward; a non-nil one replaces it.
func (s *Store) Put(ctx context.Context, sess session.Session, newMessages []session.Message, metadata map[string]any) (session.Snapshot, error) {
	prior, err := s.prior(ctx, sess)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.commit(ctx, sess, prior, newMessages, metadata)
}

// PutExpected is Put guarded by an optimistic check: it fails with
// [session.ErrWriteConflict] unless the latest sequence of the session is
// still expectedSequence (0 for a session without snapshots).
func (s *Store) PutExpected(ctx context.Context, sess session.Session, expectedSequence int64, newMessages []session.Message, metadata map[string]any) (session.Snapshot, error) {
	prior, err := s.prior(ctx, sess)
	if err != nil {
		return session.Snapshot{}, err
	}
	if prior.Sequence != expectedSequence {
		return session.Snapshot{}, fmt.Errorf("%w: session %s is at sequence %d, expected %d",
			session.ErrWriteConflict, sess.ID, prior.Sequence, expectedSequence)
	}
	return s.commit(ctx, sess, prior, newMessages, metadata)
}

// Latest returns the current snapshot of sessionID or [session.ErrNotFound].
func (s *Store) Latest(ctx context.Context, sessionID string) (session.Snapshot, error) {
	if sessionID == "" {
		return session.Snapshot{}, fmt.Errorf("%w: empty session id", session.ErrInvalidMessage)
	}
	return s.backend.ReadLatest(ctx, sessionID)
}

// History yields every snapshot of sessionID in ascending sequence order. Pages
// are fetched lazily; each iteration starts again from sequence 1, so the
// sequence can be ranged over more than once. A backend error is yielded once
// and ends the iteration.
func (s *Store) History(ctx context.Context, sessionID string) iter.Seq2[session.Snapshot, error] {
	return func(yield func(session.Snapshot, error) bool) {
		if sessionID == "" {
			yield(session.Snapshot{}, fmt.Errorf("%w: empty session id", session.ErrInvalidMessage))
			return
		}

		var after int64
		for {
			page, err := s.backend.ReadHistory(ctx, sessionID, after, s.pageSize)
			if err != nil {
				yield(session.Snapshot{}, fmt.Errorf("checkpoint: history after %d: %w", after, err))
				return
			}
			for _, snap := range page {
				if !yield(snap, nil) {
					return
				}
				after = snap.Sequence
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// Collect drains [Store.History] into a slice.
func (s *Store) Collect(ctx context.Context, sessionID string) ([]session.Snapshot, error) {
	snaps := []session.Snapshot{}
	for snap, err := range s.History(ctx, sessionID) {
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// prior validates sess and returns its latest snapshot, or a zero-sequence
// snapshot when the session is new.
func (s *Store) prior(ctx context.Context, sess session.Session) (session.Snapshot, error) {
	if err := sess.Validate(); err != nil {
		return session.Snapshot{}, err
	}

	latest, err := s.backend.ReadLatest(ctx, sess.ID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return session.Snapshot{SessionID: sess.ID, UserID: sess.UserID}, nil
	case err != nil:
		return session.Snapshot{}, fmt.Errorf("checkpoint: read latest: %w", err)
	case latest.UserID != sess.UserID:
		return session.Snapshot{}, fmt.Errorf("%w: session %s", session.ErrUserMismatch, sess.ID)
	}
	return latest, nil
}

func (s *Store) commit(ctx context.Context, sess session.Session, prior session.Snapshot, newMessages []session.Message, metadata map[string]any) (session.Snapshot, error) {
	for _, msg := range newMessages {
		if err := msg.Validate(); err != nil {
			return session.Snapshot{}, err
		}
	}

	var span observability.Span
	if s.observer != nil {
		ctx, span = s.observer.StartSpan(ctx, observability.SpanCheckpointPut,
			observability.SessionID(sess.ID),
			observability.Int64(observability.AttrSnapshotSeq, prior.Sequence+1),
		)
		defer span.End()
	}

	messages := make([]session.Message, 0, len(prior.Messages)+len(newMessages))
	messages = append(messages, prior.Messages...)
	messages = append(messages, session.CloneMessages(newMessages)...)

	if metadata == nil {
		metadata = prior.Metadata
	}

	snap := session.Snapshot{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Sequence:  prior.Sequence + 1,
		Messages:  messages,
		Metadata:  maps.Clone(metadata),
		CreatedAt: s.now().UTC(),
	}

	if err := s.backend.AppendSnapshot(ctx, snap); err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(observability.StatusError, "snapshot write failed")
		}
		return session.Snapshot{}, fmt.Errorf("checkpoint: append sequence %d: %w", snap.Sequence, err)
	}
	return snap.Clone(), nil
}
