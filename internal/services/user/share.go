package user

import (
	"context"
	"slices"
	"sync"

	"github.com/gpt-relay-bot-go/internal/models"
	"github.com/gpt-relay-bot-go/internal/services/storage"
)

const keyShare = "share"

// ShareList is the global list of conversations published with share.
// Entries are copies and never point back at their origin.
type ShareList struct {
	mu      sync.Mutex
	doc     *storage.Document
	entries []*models.Conversation
}

// NewShareList reads the list from the global document.
func NewShareList(doc *storage.Document) (*ShareList, error) {
	l := &ShareList{doc: doc}
	if _, err := doc.Get(keyShare, &l.entries); err != nil {
		return nil, err
	}
	return l, nil
}

// Add publishes a copy of conv and returns its 1-based position.
func (l *ShareList) Add(ctx context.Context, conv *models.Conversation) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := append(slices.Clone(l.entries), conv.Clone())
	if err := l.doc.Set(ctx, keyShare, next); err != nil {
		return 0, err
	}
	l.entries = next
	return len(next), nil
}

// Get returns a copy of entry index (0-based).
func (l *ShareList) Get(index int) (*models.Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.entries) {
		return nil, ErrIndexOutOfRange
	}
	return l.entries[index].Clone(), nil
}

// Titles lists entry titles in order.
func (l *ShareList) Titles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	titles := make([]string, len(l.entries))
	for i, c := range l.entries {
		titles[i] = c.Title
	}
	return titles
}
