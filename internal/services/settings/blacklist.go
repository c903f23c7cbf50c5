package settings

import (
	"slices"

	"github.com/gpt-relay-bot-go/internal/services/storage"
	"github.com/sirupsen/logrus"
)

// ListKind selects one of the blacklists
type ListKind string

const (
	ListQQ    ListKind = "qq"
	ListGroup ListKind = "group"
)

var listFiles = map[ListKind]string{
	ListQQ:    "disable_qq.txt",
	ListGroup: "disable_group.txt",
}

// ParseListKind validates a blacklist name.
func ParseListKind(s string) (ListKind, bool) {
	kind := ListKind(s)
	_, ok := listFiles[kind]
	return kind, ok
}

// IsBlocked reports whether the sender or the originating group is
// blacklisted. groupID is empty for private messages.
func (s *Settings) IsBlocked(senderID, groupID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if slices.Contains(s.lists[ListQQ], senderID) {
		return true
	}
	return groupID != "" && slices.Contains(s.lists[ListGroup], groupID)
}

// Ban adds id to the list. It reports false if id was already listed.
func (s *Settings) Ban(kind ListKind, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.lists[kind]
	if slices.Contains(current, id) {
		return false, nil
	}
	return true, s.writeList(kind, append(slices.Clone(current), id))
}

// Unban removes id from the list. It reports false if id was not listed.
func (s *Settings) Unban(kind ListKind, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.lists[kind]
	i := slices.Index(current, id)
	if i < 0 {
		return false, nil
	}
	return true, s.writeList(kind, slices.Delete(slices.Clone(current), i, i+1))
}

func (s *Settings) writeList(kind ListKind, lines []string) error {
	if err := storage.WriteLines(s.listPath(kind), lines); err != nil {
		return err
	}
	s.lists[kind] = lines
	s.logger.WithFields(logrus.Fields{
		"list":  kind,
		"count": len(lines),
	}).Info("Blacklist updated")
	return nil
}
