package cache

import (
	"context"
	"strings"
	"sync"

	"github.com/gpt-relay-bot-go/internal/middleware"
	"github.com/gpt-relay-bot-go/internal/services/user"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Registry is the bounded, least-recently-used map of loaded sessions plus
// the set of identities that currently have an open conversation. The
// chatting set outlives eviction so dormant conversations keep receiving
// chat turns.
//
// A session evicted while it is answering is retired instead of dropped:
// it keeps its document open and the next Get of its identity puts it
// back, so one identity never has two live sessions.
type Registry struct {
	sessions *lru.Cache[string, *user.Session]
	deps     user.Deps
	logger   *logrus.Logger
	metrics  *middleware.Metrics

	loadMu  sync.Mutex
	retired map[string]*user.Session // guarded by loadMu

	mu       sync.RWMutex
	chatting map[string]struct{}
}

// NewRegistry creates a registry holding at most size sessions
func NewRegistry(size int, deps user.Deps, logger *logrus.Logger) (*Registry, error) {
	r := &Registry{
		deps:     deps,
		logger:   logger,
		metrics:  middleware.NewMetrics(),
		retired:  make(map[string]*user.Session),
		chatting: make(map[string]struct{}),
	}

	sessions, err := lru.NewWithEvict[string, *user.Session](size, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.sessions = sessions
	return r, nil
}

// onEvict only runs from the Add in Get, so loadMu is held.
func (r *Registry) onEvict(id string, s *user.Session) {
	// a dormant conversation stays reachable through the chatting set
	if s.HasConversation() {
		r.Mark(id)
	}

	r.pruneRetired()
	if s.Busy() {
		r.retired[id] = s
		r.logger.WithField("identity", id).Debug("Busy session evicted, retired until its answer lands")
		return
	}
	s.Close()
	r.logger.WithField("identity", id).Debug("Session evicted")
}

// pruneRetired closes retired sessions whose answer has landed.
func (r *Registry) pruneRetired() {
	for id, s := range r.retired {
		if !s.Busy() {
			delete(r.retired, id)
			s.Close()
		}
	}
}

// Get returns the session of id, loading it from storage on a miss.
func (r *Registry) Get(ctx context.Context, id string) (*user.Session, error) {
	if s, ok := r.sessions.Get(id); ok {
		r.metrics.RecordCacheHit()
		return s, nil
	}

	// serialise loads so one identity never gets two live sessions
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	if s, ok := r.sessions.Get(id); ok {
		r.metrics.RecordCacheHit()
		return s, nil
	}
	if s, ok := r.retired[id]; ok {
		delete(r.retired, id)
		r.metrics.RecordCacheHit()
		r.sessions.Add(id, s)
		return s, nil
	}
	r.metrics.RecordCacheMiss()

	s, err := user.Load(ctx, id, r.deps)
	if err != nil {
		return nil, err
	}
	r.sessions.Add(id, s)
	r.metrics.SetActiveSessions(r.sessions.Len())
	return s, nil
}

// Len returns the number of cached sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// Mark records that id has an open conversation.
func (r *Registry) Mark(id string) {
	r.mu.Lock()
	r.chatting[id] = struct{}{}
	n := len(r.chatting)
	r.mu.Unlock()
	r.metrics.SetChattingUsers(n)
}

// Unmark records that id has no open conversation.
func (r *Registry) Unmark(id string) {
	r.mu.Lock()
	delete(r.chatting, id)
	n := len(r.chatting)
	r.mu.Unlock()
	r.metrics.SetChattingUsers(n)
}

// Sync updates the chatting set from the session's state.
func (r *Registry) Sync(s *user.Session) {
	if s.HasConversation() {
		r.Mark(s.ID())
	} else {
		r.Unmark(s.ID())
	}
}

// IsChatting reports whether id has an open conversation.
func (r *Registry) IsChatting(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chatting[id]
	return ok
}

// Scan marks every stored identity whose profile has an active
// conversation. It runs once at startup.
func (r *Registry) Scan(ctx context.Context) error {
	entities, err := r.deps.Store.List(ctx, "user/")
	if err != nil {
		return err
	}

	for _, entity := range entities {
		id := strings.TrimPrefix(entity, "user/")
		s, err := user.Load(ctx, id, r.deps)
		if err != nil {
			r.logger.WithError(err).WithField("identity", id).Warn("Skipping unreadable profile")
			continue
		}
		if s.HasConversation() {
			r.Mark(id)
		}
		s.Close()
	}

	r.logger.WithFields(logrus.Fields{
		"profiles": len(entities),
		"chatting": r.chattingCount(),
	}).Info("Profiles scanned")
	return nil
}

func (r *Registry) chattingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chatting)
}
