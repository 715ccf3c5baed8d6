package pipeline

import (
	"regexp"
	"sync"
	"time"

	"erppilot/internal/types"
)

// pendingIntent is a confirm-gated intent parked until the user's next
// message in the same conversation.
type pendingIntent struct {
	intent    *types.Intent
	auth      types.Authorization
	requestID string // request that produced the confirmation prompt
	expires   time.Time
}

// pendingStore holds at most one pending intent per (user, conversation).
// A new confirm-gated intent replaces any older one for the same key.
// Entries are striped by user so concurrent confirmations from different
// users never contend.
type pendingStore struct {
	ttl     time.Duration
	now     func() time.Time
	stripes [lockStripes]pendingStripe
}

type pendingStripe struct {
	mu      sync.Mutex
	entries map[pendingKey]*pendingIntent
}

type pendingKey struct {
	userID         string
	conversationID string
}

func newPendingStore(ttl time.Duration) *pendingStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	s := &pendingStore{
		ttl: ttl,
		now: time.Now,
	}
	for i := range s.stripes {
		s.stripes[i].entries = make(map[pendingKey]*pendingIntent)
	}
	return s
}

func (s *pendingStore) put(userID, conversationID string, p *pendingIntent) {
	st := &s.stripes[stripeFor(userID)]
	st.mu.Lock()
	defer st.mu.Unlock()
	p.expires = s.now().Add(s.ttl)
	st.entries[pendingKey{userID, conversationID}] = p
	s.sweepLocked(st)
}

// take removes and returns the pending intent for the key, if one exists
// and has not expired. The entry is always consumed: whatever the user
// says next resolves it, one way or the other.
func (s *pendingStore) take(userID, conversationID string) (*pendingIntent, bool) {
	st := &s.stripes[stripeFor(userID)]
	st.mu.Lock()
	defer st.mu.Unlock()

	key := pendingKey{userID, conversationID}
	p, ok := st.entries[key]
	if !ok {
		return nil, false
	}
	delete(st.entries, key)
	if s.now().After(p.expires) {
		return nil, false
	}
	return p, true
}

func (s *pendingStore) sweepLocked(st *pendingStripe) {
	now := s.now()
	for k, p := range st.entries {
		if now.After(p.expires) {
			delete(st.entries, k)
		}
	}
}

var affirmativeRe = regexp.MustCompile(`(?i)^\s*(yes|y|yeah|yep|sure|confirm|confirmed|ok|okay|go ahead|do it|proceed)[.!]*\s*$`)

// isAffirmative reports whether a message confirms a pending intent.
// Anything that is not clearly a yes discards the pending intent; a
// guessed confirmation on a write would be worse than a dropped one.
func isAffirmative(text string) bool {
	return affirmativeRe.MatchString(text)
}
