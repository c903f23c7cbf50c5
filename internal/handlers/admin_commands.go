package handlers

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/gpt-relay-bot-go/internal/i18n"
	"github.com/gpt-relay-bot-go/internal/services/ai"
	"github.com/gpt-relay-bot-go/internal/services/cache"
	"github.com/gpt-relay-bot-go/internal/services/settings"
	"github.com/sirupsen/logrus"
)

// targetRe matches a user id or "g<group id>"
var targetRe = regexp.MustCompile(`^g?\d+$`)

// AdminCommands change process-wide state and are reserved to the admin
type AdminCommands struct {
	messages
	registry *cache.Registry
	settings *settings.Settings
	keys     *ai.KeyRing
	logger   *logrus.Logger
}

func NewAdminCommands(
	registry *cache.Registry,
	s *settings.Settings,
	keys *ai.KeyRing,
	tr i18n.Translator,
	prefix string,
	logger *logrus.Logger,
) *AdminCommands {
	return &AdminCommands{
		messages: messages{tr: tr, prefix: prefix},
		registry: registry,
		settings: s,
		keys:     keys,
		logger:   logger,
	}
}

func (a *AdminCommands) Commands() []*Command {
	cmds := []*Command{
		// the value of set may contain spaces, so its count is checked by hand
		newCommand("set", nil, a.set),
		newCommand("ban", counts(2), a.ban),
		newCommand("unban", counts(2), a.unban),
		newCommand("enable", counts(2), a.enable),
		newCommand("disable", counts(2), a.disable),
		newCommand("key", counts(1, 2), a.key),
	}
	for _, cmd := range cmds {
		cmd.AdminOnly = true
	}
	return cmds
}

func (a *AdminCommands) set(ctx context.Context, c *Call) (string, error) {
	if len(c.Args) < 2 {
		return a.t(i18n.MsgArgCount, map[string]any{
			"Name":   c.Name,
			"Counts": counts(2),
			"Got":    len(c.Args),
		}), nil
	}

	key, ok := settings.ParseKey(c.Args[0])
	if !ok {
		names := make([]string, 0, len(settings.Keys()))
		for _, k := range settings.Keys() {
			names = append(names, string(k))
		}
		return a.t(i18n.MsgSettingUnknown, map[string]any{
			"Key":  c.Args[0],
			"Keys": strings.Join(names, "\n"),
		}), nil
	}

	value := restAfter(c.Line, 2)
	err := a.settings.Set(ctx, key, value)
	if errors.Is(err, settings.ErrInvalidValue) {
		return a.t(i18n.MsgSettingInvalid, map[string]any{"Key": key, "Value": value}), nil
	}
	if err != nil {
		return "", err
	}

	a.logger.WithFields(logrus.Fields{
		"key":   key,
		"value": value,
	}).Info("Setting changed")
	return a.t(i18n.MsgSettingSet, map[string]any{"Key": key, "Value": value}), nil
}

func (a *AdminCommands) ban(ctx context.Context, c *Call) (string, error) {
	return a.updateList(c, a.settings.Ban, i18n.MsgBanned, i18n.MsgAlreadyBanned)
}

func (a *AdminCommands) unban(ctx context.Context, c *Call) (string, error) {
	return a.updateList(c, a.settings.Unban, i18n.MsgUnbanned, i18n.MsgNotBanned)
}

func (a *AdminCommands) updateList(c *Call, update func(settings.ListKind, string) (bool, error), changedID, unchangedID string) (string, error) {
	kind, ok := settings.ParseListKind(c.Args[0])
	if !ok {
		return a.t(i18n.MsgListKindInvalid, map[string]any{"Kind": c.Args[0]}), nil
	}
	id := c.Args[1]

	changed, err := update(kind, id)
	if err != nil {
		return "", err
	}
	data := map[string]any{"Kind": kind, "ID": id}
	if !changed {
		return a.t(unchangedID, data), nil
	}

	a.logger.WithFields(logrus.Fields{
		"list": kind,
		"id":   id,
		"op":   c.Name,
	}).Info("Blacklist updated")
	return a.t(changedID, data), nil
}

func (a *AdminCommands) enable(ctx context.Context, c *Call) (string, error) {
	target, model := c.Args[0], c.Args[1]
	if !targetRe.MatchString(target) {
		return a.t(i18n.MsgTargetInvalid, map[string]any{"Target": target}), nil
	}
	s, err := a.registry.Get(ctx, target)
	if err != nil {
		return "", err
	}
	changed, err := s.EnableModel(ctx, model)
	if err != nil {
		return "", err
	}
	return a.modelReply(changed, i18n.MsgModelEnabled, target, model), nil
}

func (a *AdminCommands) disable(ctx context.Context, c *Call) (string, error) {
	target, model := c.Args[0], c.Args[1]
	if !targetRe.MatchString(target) {
		return a.t(i18n.MsgTargetInvalid, map[string]any{"Target": target}), nil
	}
	s, err := a.registry.Get(ctx, target)
	if err != nil {
		return "", err
	}
	changed, err := s.DisableModel(ctx, model)
	if err != nil {
		return "", err
	}
	return a.modelReply(changed, i18n.MsgModelDisabled, target, model), nil
}

func (a *AdminCommands) modelReply(changed bool, changedID, target, model string) string {
	data := map[string]any{"Target": target, "Model": model}
	if !changed {
		return a.t(i18n.MsgModelUnchanged, data)
	}
	a.logger.WithFields(logrus.Fields{
		"target": target,
		"model":  model,
	}).Info("Model access changed")
	return a.t(changedID, data)
}

func (a *AdminCommands) key(ctx context.Context, c *Call) (string, error) {
	switch {
	case len(c.Args) == 1 && c.Args[0] == "list":
		keys := a.keys.Keys()
		masked := make([]string, len(keys))
		for i, k := range keys {
			masked[i] = ai.Mask(k)
		}
		return a.t(i18n.MsgKeyList, map[string]any{
			"Count": len(keys),
			"List":  numbered(masked),
		}), nil

	case len(c.Args) == 2 && c.Args[0] == "add":
		added, err := a.keys.Add(c.Args[1])
		if err != nil {
			return "", err
		}
		data := map[string]any{"Key": ai.Mask(c.Args[1])}
		if !added {
			return a.t(i18n.MsgKeyExists, data), nil
		}
		return a.t(i18n.MsgKeyAdded, data), nil

	case len(c.Args) == 2 && c.Args[0] == "del":
		removed, err := a.keys.Remove(c.Args[1])
		if err != nil {
			return "", err
		}
		data := map[string]any{"Key": ai.Mask(c.Args[1])}
		if !removed {
			return a.t(i18n.MsgKeyMissing, data), nil
		}
		return a.t(i18n.MsgKeyRemoved, data), nil
	}
	return a.t(i18n.MsgKeyUsage, nil), nil
}
