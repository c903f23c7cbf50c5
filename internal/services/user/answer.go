package user

import (
	"context"

	"github.com/gpt-relay-bot-go/internal/i18n"
	"github.com/gpt-relay-bot-go/internal/models"
	"github.com/gpt-relay-bot-go/internal/services/ai"
	"github.com/sirupsen/logrus"
)

// Answer asks question in the active conversation and returns the reply
// text. A concurrent call gets the busy message, and a provider failure
// gets the fixed failure message; neither touches the history.
func (s *Session) Answer(ctx context.Context, question string) (string, error) {
	return s.answer(ctx, question, nil)
}

// Retry drops the last turn and asks its question again. The turn is
// only dropped once the busy check has passed.
func (s *Session) Retry(ctx context.Context) (string, error) {
	return s.answer(ctx, "", func() (string, error) {
		if s.current == nil {
			return "", ErrNoConversation
		}
		if len(s.current.Data) == 0 {
			return "", ErrEmptyHistory
		}
		conv := s.current.Clone()
		last := conv.Data[len(conv.Data)-1]
		conv.Data = conv.Data[:len(conv.Data)-1]
		return last.Question, s.replaceCurrentLocked(ctx, conv)
	})
}

// answer runs one turn. prepare, when given, runs under the lock after
// the busy check; it may rewrite the active conversation and returns the
// question to ask.
func (s *Session) answer(ctx context.Context, question string, prepare func() (string, error)) (string, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return s.t(i18n.MsgBusy, nil), nil
	}
	if prepare != nil {
		q, err := prepare()
		if err != nil {
			s.mu.Unlock()
			return "", err
		}
		question = q
	}
	conv := s.current
	if conv == nil {
		s.mu.Unlock()
		return "", ErrNoConversation
	}

	s.busy = true
	s.busyToken++
	token := s.busyToken
	req := &ai.CompletionRequest{
		Messages:  conv.Messages(question),
		Params:    conv.Params,
		Model:     s.modelLocked(),
		MaxTokens: s.deps.Settings.Snapshot().MaxTokens,
		User:      s.opaqueID,
	}
	s.mu.Unlock()

	s.log.WithField("question", question).Debug("Answering")
	res, err := s.deps.Completer.Complete(ctx, req)

	s.mu.Lock()
	if s.busyToken == token {
		s.busy = false
	}
	if err != nil {
		s.mu.Unlock()
		s.log.WithError(err).Error("Completion failed")
		return s.t(i18n.MsgAnswerFailed, nil), nil
	}

	values := s.deps.Settings.Snapshot()
	tip := ""
	if conv != s.current {
		s.log.Info("Conversation changed while answering, discarding turn")
	} else {
		tip = s.recordTurnLocked(ctx, conv, question, res, values.MaxPrompts)
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"total":      res.Usage.TotalTokens,
		"prompt":     res.Usage.PromptTokens,
		"completion": res.Usage.CompletionTokens,
	}).Info("Token usage")

	text := res.Text
	if s.imagesEnabled(values.ImageSize) {
		text = s.convertImages(ctx, text, values.MaxImages)
	}
	if !values.ShowTip {
		tip = ""
	}
	return tip + text, nil
}

// recordTurnLocked appends the turn and applies the overflow policy of
// the effective chat mode. It returns the tip for the user.
func (s *Session) recordTurnLocked(ctx context.Context, conv *models.Conversation, question string, res *models.Completion, maxPrompts int) string {
	conv.Data = append(conv.Data, models.Turn{Question: question, Answer: res.Text})
	overflow := res.Usage.PromptTokens >= maxPrompts

	tip := ""
	persist := true
	switch s.modeLocked() {
	case models.ModePopFront:
		if overflow {
			tip = s.t(i18n.MsgTipPopFront, nil) + "\n"
			conv.Data = conv.Data[1:]
		}
	case models.ModePopBack:
		if overflow {
			tip = s.t(i18n.MsgTipPopBack, nil) + "\n"
			conv.Data = conv.Data[:len(conv.Data)-1]
			persist = false
		}
	case models.ModeNotSave:
		tip = s.t(i18n.MsgTipNotSave, nil) + "\n"
		conv.Data = conv.Data[:len(conv.Data)-1]
		persist = false
	}

	if persist {
		if err := s.doc.Set(ctx, keyCurrent, conv); err != nil {
			s.log.WithError(err).Error("Failed to persist conversation")
		}
	}
	return tip
}
