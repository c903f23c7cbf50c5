package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/gpt-relay-bot-go/internal/middleware"
	"github.com/gpt-relay-bot-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

// Telegram caps a message at 4096 characters; leave room for HTML markup.
const telegramChunkSize = 3500

// Telegram serves the bot over the Telegram Bot API with long polling.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	cfg     *config.TelegramConfig
	prefix  string
	logger  *logrus.Logger
	metrics *middleware.Metrics
	stop    sync.Once
}

// NewTelegram authorizes token and returns a transport that maps slash
// commands onto prefix.
func NewTelegram(cfg *config.TelegramConfig, prefix string, logger *logrus.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	bot.Debug = logger.IsLevelEnabled(logrus.DebugLevel)
	return newTelegram(bot, cfg, prefix, logger), nil
}

func newTelegram(bot *tgbotapi.BotAPI, cfg *config.TelegramConfig, prefix string, logger *logrus.Logger) *Telegram {
	logger.WithField("username", bot.Self.UserName).Info("Bot authorized")
	return &Telegram{
		bot:     bot,
		cfg:     cfg,
		prefix:  prefix,
		logger:  logger,
		metrics: middleware.NewMetrics(),
	}
}

func (t *Telegram) Run(ctx context.Context, handler Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.cfg.UpdateTimeout
	updates := t.bot.GetUpdatesChan(u)
	t.logger.Info("Using long polling")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			t.stopUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return ErrDisconnected
			}
			if update.Message == nil {
				continue
			}
			msg, ok := t.decode(update.Message)
			if !ok {
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				reply := handler(ctx, msg)
				if reply == "" {
					return
				}
				if err := t.send(msg, reply); err != nil {
					t.logger.WithError(err).WithField("sender", msg.SenderID).Error("Failed to send reply")
				}
			}()
		}
	}
}

// decode maps a Telegram message onto the transport message. Slash
// commands are rewritten to the text command prefix so both networks share
// one command syntax.
func (t *Telegram) decode(m *tgbotapi.Message) (*Message, bool) {
	if m.From == nil || m.From.ID == t.bot.Self.ID || m.Chat == nil {
		return nil, false
	}

	text := m.Text
	mentioned := false
	if m.IsCommand() {
		text = t.prefix + m.Command()
		if args := m.CommandArguments(); args != "" {
			text += " " + args
		}
		mentioned = strings.HasSuffix(m.CommandWithAt(), "@"+t.bot.Self.UserName)
	}
	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	msg := &Message{
		SenderID:  strconv.FormatInt(m.From.ID, 10),
		MessageID: strconv.Itoa(m.MessageID),
	}
	if m.Chat.IsGroup() || m.Chat.IsSuperGroup() {
		msg.GroupID = strconv.FormatInt(m.Chat.ID, 10)

		if at := "@" + t.bot.Self.UserName; t.bot.Self.UserName != "" && strings.Contains(text, at) {
			mentioned = true
			text = strings.TrimSpace(strings.ReplaceAll(text, at, ""))
		}
		if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil && m.ReplyToMessage.From.ID == t.bot.Self.ID {
			mentioned = true
		}
		msg.Mentioned = mentioned
	}
	msg.Text = text
	return msg, true
}

// send delivers text as HTML, falling back to plain text for chunks
// Telegram refuses to parse.
func (t *Telegram) send(msg *Message, text string) error {
	target := msg.SenderID
	if msg.IsGroup() {
		target = msg.GroupID
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", target, err)
	}
	replyTo, _ := strconv.Atoi(msg.MessageID)

	for i, chunk := range Chunk(text, telegramChunkSize) {
		out := tgbotapi.NewMessage(chatID, chunk)
		if html := markdown.ToTelegramHTML(chunk); html != "" {
			out.Text = html
			out.ParseMode = tgbotapi.ModeHTML
		}
		if i == 0 {
			out.ReplyToMessageID = replyTo
		}

		_, err := t.bot.Send(out)
		if err != nil && out.ParseMode != "" {
			t.logger.WithError(err).Warn("Failed to send HTML message, retrying as plain text")
			out.Text = chunk
			out.ParseMode = ""
			_, err = t.bot.Send(out)
		}
		if err != nil {
			t.metrics.RecordReplySent("telegram", "error")
			return err
		}
		t.metrics.RecordReplySent("telegram", "success")
	}
	return nil
}

// RenderImage returns url as is; Telegram previews image links.
func (t *Telegram) RenderImage(url string) string {
	return url
}

func (t *Telegram) Close() error {
	t.stopUpdates()
	return nil
}

func (t *Telegram) stopUpdates() {
	t.stop.Do(t.bot.StopReceivingUpdates)
}
