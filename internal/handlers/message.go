package handlers

import (
	"context"
	"strings"

	"github.com/gpt-relay-bot-go/internal/i18n"
	"github.com/gpt-relay-bot-go/internal/middleware"
	"github.com/gpt-relay-bot-go/internal/models"
	"github.com/gpt-relay-bot-go/internal/services/cache"
	"github.com/gpt-relay-bot-go/internal/services/settings"
	"github.com/gpt-relay-bot-go/internal/transport"
	"github.com/gpt-relay-bot-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

// MessageRouter decides, for each inbound message, whether it is a
// command, a chat turn or nothing at all.
type MessageRouter struct {
	messages
	commands    *CommandRouter
	registry    *cache.Registry
	settings    *settings.Settings
	rateLimiter middleware.RateLimiter
	logger      *logrus.Logger
	metrics     *middleware.Metrics
}

// NewMessageRouter creates a new message router
func NewMessageRouter(
	commands *CommandRouter,
	registry *cache.Registry,
	s *settings.Settings,
	rateLimiter middleware.RateLimiter,
	tr i18n.Translator,
	prefix string,
	logger *logrus.Logger,
) *MessageRouter {
	return &MessageRouter{
		messages:    messages{tr: tr, prefix: prefix},
		commands:    commands,
		registry:    registry,
		settings:    s,
		rateLimiter: rateLimiter,
		logger:      logger,
		metrics:     middleware.NewMetrics(),
	}
}

// route is the outcome of mention and mode gating for one message
type route struct {
	identity     string
	allowCommand bool
	allowChat    bool
}

// Handle returns the reply to msg, or "" when the bot stays silent.
func (r *MessageRouter) Handle(ctx context.Context, msg *transport.Message) string {
	r.metrics.RecordMessageReceived(msg.ChatType())

	if r.settings.IsBlocked(msg.SenderID, msg.GroupID) {
		r.logger.WithFields(logrus.Fields{
			"sender": msg.SenderID,
			"group":  msg.GroupID,
		}).Debug("Ignoring blacklisted message")
		r.metrics.RecordMessageProcessed("blocked")
		return ""
	}

	rt, ok := r.gate(msg)
	if !ok {
		r.metrics.RecordMessageProcessed("ignored")
		return ""
	}

	// a prefixed line that may not run as a command is an ordinary chat turn
	if rt.allowCommand && strings.HasPrefix(msg.Text, r.prefix) {
		r.metrics.RecordMessageProcessed("command")
		return r.commands.Dispatch(ctx, rt.identity, msg.SenderID, strings.TrimPrefix(msg.Text, r.prefix))
	}

	if !rt.allowChat {
		r.metrics.RecordMessageProcessed("ignored")
		return ""
	}
	return r.chat(ctx, rt.identity, msg.Text)
}

// gate maps msg to its session identity and the mention-mode permissions.
// It reports false when the message must be dropped outright.
func (r *MessageRouter) gate(msg *transport.Message) (route, bool) {
	v := r.settings.Snapshot()

	if !msg.IsGroup() {
		return route{
			identity:     msg.SenderID,
			allowCommand: true,
			allowChat:    v.AutoPrivate || r.registry.IsChatting(msg.SenderID),
		}, true
	}

	var identity string
	switch v.GroupMode {
	case models.GroupDisable:
		return route{}, false
	case models.GroupPersonal:
		identity = msg.SenderID
	default:
		identity = "g" + msg.GroupID
	}

	if v.AtMode == models.AtAlways && !msg.Mentioned {
		return route{}, false
	}
	return route{
		identity:     identity,
		allowCommand: v.AtMode.AllowCommand(msg.Mentioned),
		allowChat:    v.AtMode.AllowChat(msg.Mentioned) && (v.AutoGroup || r.registry.IsChatting(identity)),
	}, true
}

func (r *MessageRouter) chat(ctx context.Context, identity, text string) string {
	log := logger.WithIdentity(r.logger, identity)

	if !r.rateLimiter.Allow(identity) {
		r.metrics.RecordMessageProcessed("rate_limited")
		return r.t(i18n.MsgRateLimited, nil)
	}

	s, err := r.registry.Get(ctx, identity)
	if err != nil {
		log.WithError(err).Error("Failed to load session")
		r.metrics.RecordMessageProcessed("error")
		return r.t(i18n.MsgAnswerFailed, nil)
	}

	if !s.HasConversation() {
		if err := s.Begin(ctx); err != nil {
			log.WithError(err).Error("Failed to begin conversation")
			r.metrics.RecordMessageProcessed("error")
			return r.t(i18n.MsgAnswerFailed, nil)
		}
		log.Debug("Conversation begun implicitly")
	}
	r.registry.Sync(s)

	reply, err := s.Answer(ctx, text)
	if err != nil {
		// the conversation was ended between Begin and Answer
		log.WithError(err).Warn("Answer aborted")
		r.metrics.RecordMessageProcessed("error")
		return r.t(i18n.MsgAnswerFailed, nil)
	}
	r.metrics.RecordMessageProcessed("chat")
	return reply
}
