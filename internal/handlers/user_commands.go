package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/gpt-relay-bot-go/internal/i18n"
	"github.com/gpt-relay-bot-go/internal/models"
	"github.com/gpt-relay-bot-go/internal/services/cache"
	"github.com/gpt-relay-bot-go/internal/services/settings"
	"github.com/gpt-relay-bot-go/internal/services/user"
	"github.com/sirupsen/logrus"
)

// UserCommands are the conversation commands open to every sender
type UserCommands struct {
	messages
	registry *cache.Registry
	shares   *user.ShareList
	settings *settings.Settings
	logger   *logrus.Logger
}

func NewUserCommands(
	registry *cache.Registry,
	shares *user.ShareList,
	s *settings.Settings,
	tr i18n.Translator,
	prefix string,
	logger *logrus.Logger,
) *UserCommands {
	return &UserCommands{
		messages: messages{tr: tr, prefix: prefix},
		registry: registry,
		shares:   shares,
		settings: s,
		logger:   logger,
	}
}

// Commands returns the command table in help order.
func (u *UserCommands) Commands() []*Command {
	return []*Command{
		newCommand("begin", counts(0), u.begin),
		newCommand("end", counts(0), u.end),
		newCommand("save", counts(1), u.save),
		newCommand("list", counts(0, 1), u.list),
		newCommand("load", counts(1), u.load),
		newCommand("delete", counts(1), u.delete),
		newCommand("info", counts(0), u.info),
		newCommand("retry", counts(0), u.retry),
		newCommand("back", counts(0), u.back),
		newCommand("push", nil, u.push),
		newCommand("mode", counts(1), u.mode),
		newCommand("char", nil, u.char),
		newCommand("img", nil, u.img),
		newCommand("images", counts(0), u.images),
		newCommand("imgchat", counts(0), u.imgchat),
		newCommand("history", counts(0), u.history),
		newCommand("param", counts(2), u.param),
		newCommand("share", counts(0, 1), u.share),
		newCommand("import", counts(1), u.importShared),
		newCommand("reset", counts(0), u.reset),
		newCommand("model", counts(0, 1), u.model),
	}
}

func (u *UserCommands) session(ctx context.Context, c *Call) (*user.Session, error) {
	return u.registry.Get(ctx, c.Identity)
}

func (u *UserCommands) begin(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	if err := s.Begin(ctx); err != nil {
		return "", err
	}
	u.registry.Sync(s)
	return u.t(i18n.MsgBegun, nil), nil
}

func (u *UserCommands) end(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	if !s.HasConversation() {
		return "", user.ErrNoConversation
	}
	if err := s.End(ctx); err != nil {
		return "", err
	}
	u.registry.Sync(s)
	return u.t(i18n.MsgEnded, nil), nil
}

func (u *UserCommands) save(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	if err := s.Save(ctx, c.Args[0]); err != nil {
		return "", err
	}
	return u.t(i18n.MsgSaved, nil), nil
}

func (u *UserCommands) list(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}

	if len(c.Args) == 0 {
		convs := s.Conversations()
		titles := make([]string, len(convs))
		for i, conv := range convs {
			titles[i] = conv.Title
		}
		return u.t(i18n.MsgArchiveList, map[string]any{"List": numbered(titles)}), nil
	}

	index, err := parseIndex(c.Args[0])
	if err != nil {
		return "", err
	}
	conv, err := s.Conversation(index)
	if err != nil {
		return "", err
	}
	return u.t(i18n.MsgArchiveDetail, map[string]any{
		"Title":            conv.Title,
		"Temperature":      conv.Temperature,
		"TopP":             conv.TopP,
		"FrequencyPenalty": conv.FrequencyPenalty,
		"PresencePenalty":  conv.PresencePenalty,
		"Transcript":       u.transcript(conv),
	}), nil
}

func (u *UserCommands) load(ctx context.Context, c *Call) (string, error) {
	index, err := parseIndex(c.Args[0])
	if err != nil {
		return "", err
	}
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	conv, err := s.Conversation(index)
	if err != nil {
		return "", err
	}
	if err := s.SetConversation(ctx, conv); err != nil {
		return "", err
	}
	u.registry.Sync(s)
	return u.t(i18n.MsgLoaded, map[string]any{"Title": conv.Title}), nil
}

func (u *UserCommands) delete(ctx context.Context, c *Call) (string, error) {
	index, err := parseIndex(c.Args[0])
	if err != nil {
		return "", err
	}
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	removed, err := s.DeleteConversation(ctx, index)
	if err != nil {
		return "", err
	}
	return u.t(i18n.MsgDeleted, map[string]any{"Title": removed.Title}), nil
}

func (u *UserCommands) info(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	info := s.Info()

	current := u.t(i18n.MsgInfoNone, nil)
	if conv := info.Current; conv != nil {
		current = u.t(i18n.MsgInfoConversation, map[string]any{
			"Persona":          conv.Prefix,
			"Temperature":      conv.Temperature,
			"TopP":             conv.TopP,
			"FrequencyPenalty": conv.FrequencyPenalty,
			"PresencePenalty":  conv.PresencePenalty,
			"Turns":            len(conv.Data),
		})
	}

	return u.t(i18n.MsgInfo, map[string]any{
		"Mode":             info.Mode,
		"Model":            info.Model,
		"Persona":          info.Prefix,
		"Temperature":      info.Params.Temperature,
		"TopP":             info.Params.TopP,
		"FrequencyPenalty": info.Params.FrequencyPenalty,
		"PresencePenalty":  info.Params.PresencePenalty,
		"Current":          current,
	}), nil
}

func (u *UserCommands) retry(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	return s.Retry(ctx)
}

func (u *UserCommands) back(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	turn, err := s.Back(ctx)
	if err != nil {
		return "", err
	}
	return u.t(i18n.MsgBackDone, map[string]any{
		"Question": turn.Question,
		"Answer":   turn.Answer,
	}), nil
}

func (u *UserCommands) push(ctx context.Context, c *Call) (string, error) {
	question, answer, ok := strings.Cut(c.Rest(), "|")
	question, answer = strings.TrimSpace(question), strings.TrimSpace(answer)
	if !ok || question == "" || answer == "" {
		return u.t(i18n.MsgPushUsage, nil), nil
	}

	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	if err := s.Push(ctx, question, answer); err != nil {
		return "", err
	}
	return u.t(i18n.MsgPushed, nil), nil
}

func (u *UserCommands) mode(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	mode := c.Args[0]
	ok, err := s.SetMode(ctx, mode)
	if err != nil {
		return "", err
	}
	if !ok {
		return u.t(i18n.MsgModeInvalid, map[string]any{"Mode": mode}), nil
	}
	return u.t(i18n.MsgModeSet, map[string]any{"Mode": mode}), nil
}

func (u *UserCommands) char(ctx context.Context, c *Call) (string, error) {
	persona := c.Rest()
	if persona == "" {
		return u.t(i18n.MsgPrefixMissing, nil), nil
	}

	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	if err := s.SetPrefix(ctx, persona); err != nil {
		return "", err
	}
	return u.t(i18n.MsgPrefixSet, map[string]any{"Persona": persona}), nil
}

func (u *UserCommands) img(ctx context.Context, c *Call) (string, error) {
	if u.settings.Snapshot().ImageSize == 0 {
		return "", user.ErrImagesDisabled
	}
	prompt := c.Rest()
	if prompt == "" {
		return u.t(i18n.MsgPromptMissing, nil), nil
	}

	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	img, err := s.GenerateImage(ctx, prompt)
	if errors.Is(err, user.ErrImagesDisabled) {
		return "", err
	}
	if err != nil {
		// already logged by the session
		return u.t(i18n.MsgImageFailed, nil), nil
	}
	return s.Render(img.URL), nil
}

func (u *UserCommands) images(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	records, total := s.Images()

	lines := make([]string, len(records))
	for i, rec := range records {
		lines[i] = fmt.Sprintf("%s\n%s", rec.Prompt, rec.URL)
	}
	return u.t(i18n.MsgImageList, map[string]any{
		"List":  numbered(lines),
		"Count": len(records),
		"Total": strconv.FormatFloat(total, 'f', 3, 64),
	}), nil
}

func (u *UserCommands) imgchat(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	conv := user.ImageChatConversation()
	if err := s.SetConversation(ctx, conv); err != nil {
		return "", err
	}
	u.registry.Sync(s)
	return u.t(i18n.MsgImageChatLoaded, map[string]any{"Title": conv.Title}), nil
}

func (u *UserCommands) history(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	conv := s.Current()
	if conv == nil {
		return "", user.ErrNoConversation
	}
	return u.transcript(conv), nil
}

func (u *UserCommands) param(ctx context.Context, c *Call) (string, error) {
	name := c.Args[0]
	if !slices.Contains(models.ParamNames, name) {
		return u.t(i18n.MsgParamUnknown, map[string]any{"Name": name}), nil
	}
	value, err := strconv.ParseFloat(c.Args[1], 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return u.t(i18n.MsgParamNotNumber, map[string]any{"Name": name}), nil
	}

	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	if err := s.SetParam(ctx, name, value); err != nil {
		return "", err
	}
	return u.t(i18n.MsgParamSet, map[string]any{"Name": name, "Value": value}), nil
}

func (u *UserCommands) share(ctx context.Context, c *Call) (string, error) {
	if len(c.Args) == 0 {
		return u.t(i18n.MsgShareList, map[string]any{"List": numbered(u.shares.Titles())}), nil
	}

	index, err := parseIndex(c.Args[0])
	if err != nil {
		return "", err
	}
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	conv, err := s.Conversation(index)
	if err != nil {
		return "", err
	}
	position, err := u.shares.Add(ctx, conv)
	if err != nil {
		return "", err
	}

	u.logger.WithFields(logrus.Fields{
		"identity": c.Identity,
		"title":    conv.Title,
		"position": position,
	}).Info("Conversation shared")
	return u.t(i18n.MsgShared, map[string]any{"Title": conv.Title, "Index": position}), nil
}

func (u *UserCommands) importShared(ctx context.Context, c *Call) (string, error) {
	index, err := parseIndex(c.Args[0])
	if err != nil {
		return "", err
	}
	conv, err := u.shares.Get(index)
	if errors.Is(err, user.ErrIndexOutOfRange) {
		return u.t(i18n.MsgShareOutOfRange, nil), nil
	}
	if err != nil {
		return "", err
	}

	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	if err := s.SetConversation(ctx, conv); err != nil {
		return "", err
	}
	u.registry.Sync(s)
	return u.t(i18n.MsgImported, map[string]any{"Title": conv.Title}), nil
}

func (u *UserCommands) reset(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}
	if err := s.ResetParams(ctx); err != nil {
		return "", err
	}
	return u.t(i18n.MsgReset, nil), nil
}

func (u *UserCommands) model(ctx context.Context, c *Call) (string, error) {
	s, err := u.session(ctx, c)
	if err != nil {
		return "", err
	}

	if len(c.Args) == 0 {
		return u.t(i18n.MsgModelCurrent, map[string]any{
			"Model":  s.Model(),
			"Models": strings.Join(s.AccessModels(), ", "),
		}), nil
	}

	model := c.Args[0]
	err = s.SetModel(ctx, model)
	if errors.Is(err, user.ErrModelNotAllowed) {
		return u.t(i18n.MsgModelNotAllowed, map[string]any{"Model": model}), nil
	}
	if err != nil {
		return "", err
	}
	return u.t(i18n.MsgModelSet, map[string]any{"Model": model}), nil
}

func (u *UserCommands) transcript(conv *models.Conversation) string {
	var b strings.Builder
	b.WriteString(u.t(i18n.MsgTranscriptPrefix, map[string]any{"Persona": conv.Prefix}))
	for _, turn := range conv.Data {
		fmt.Fprintf(&b, "\nuser: %s\nassistant: %s", turn.Question, turn.Answer)
	}
	return b.String()
}

func numbered(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = fmt.Sprintf("%d. %s", i+1, item)
	}
	return strings.Join(lines, "\n")
}
