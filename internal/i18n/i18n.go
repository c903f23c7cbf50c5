package i18n

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var locales embed.FS

// Translator renders a message by ID
type Translator interface {
	T(messageID string, data map[string]any) string
}

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer from the embedded message files
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.Chinese)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	for _, lang := range cfg.Languages {
		if _, err := bundle.LoadMessageFileFS(locales, fmt.Sprintf("locales/%s.json", lang)); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}
	if _, ok := localizers[cfg.DefaultLanguage]; !ok {
		return nil, fmt.Errorf("default language %s is not loaded", cfg.DefaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]any) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// T renders messageID in the default language.
func (l *Localizer) T(messageID string, data map[string]any) string {
	return l.Get(l.defaultLanguage, messageID, data)
}

// Message IDs
const (
	// session
	MsgBusy          = "busy"
	MsgAnswerFailed  = "answer_failed"
	MsgTipPopFront   = "tip_pop_front"
	MsgTipPopBack    = "tip_pop_back"
	MsgTipNotSave    = "tip_not_save"
	MsgImageLimit    = "image_limit"
	MsgImageFailed   = "image_failed"
	MsgImageDisabled = "image_disabled"

	// dispatch
	MsgUnknownCommand   = "unknown_command"
	MsgArgCount         = "arg_count"
	MsgPermissionDenied = "permission_denied"
	MsgCommandFailed    = "command_failed"
	MsgRateLimited      = "rate_limited"
	MsgHelpHeader       = "help_header"
	MsgHelpFooter       = "help_footer"
	MsgHelpCommand      = "help_command"
	MsgNoHelp           = "no_help"

	// input validation
	MsgIndexNotNumber  = "index_not_number"
	MsgIndexOutOfRange = "index_out_of_range"
	MsgShareOutOfRange = "share_out_of_range"
	MsgNoConversation  = "no_conversation"
	MsgEmptyHistory    = "empty_history"

	// user commands
	MsgBegun            = "begun"
	MsgEnded            = "ended"
	MsgSaved            = "saved"
	MsgArchiveList      = "archive_list"
	MsgArchiveDetail    = "archive_detail"
	MsgLoaded           = "loaded"
	MsgDeleted          = "deleted"
	MsgInfo             = "info"
	MsgInfoConversation = "info_conversation"
	MsgInfoNone         = "info_none"
	MsgBackDone         = "back_done"
	MsgPushUsage        = "push_usage"
	MsgPushed           = "pushed"
	MsgModeSet          = "mode_set"
	MsgModeInvalid      = "mode_invalid"
	MsgPrefixMissing    = "prefix_missing"
	MsgPrefixSet        = "prefix_set"
	MsgPromptMissing    = "prompt_missing"
	MsgImageList        = "image_list"
	MsgImageChatLoaded  = "image_chat_loaded"
	MsgParamUnknown     = "param_unknown"
	MsgParamNotNumber   = "param_not_number"
	MsgParamSet         = "param_set"
	MsgShareList        = "share_list"
	MsgShared           = "shared"
	MsgImported         = "imported"
	MsgReset            = "reset"
	MsgModelCurrent     = "model_current"
	MsgModelSet         = "model_set"
	MsgModelNotAllowed  = "model_not_allowed"
	MsgTranscriptPrefix = "transcript_prefix"

	// admin commands
	MsgSettingSet      = "setting_set"
	MsgSettingUnknown  = "setting_unknown"
	MsgSettingInvalid  = "setting_invalid"
	MsgListKindInvalid = "list_kind_invalid"
	MsgBanned          = "banned"
	MsgAlreadyBanned   = "already_banned"
	MsgUnbanned        = "unbanned"
	MsgNotBanned       = "not_banned"
	MsgModelEnabled    = "model_enabled"
	MsgModelDisabled   = "model_disabled"
	MsgModelUnchanged  = "model_unchanged"
	MsgTargetInvalid   = "target_invalid"
	MsgKeyList         = "key_list"
	MsgKeyAdded        = "key_added"
	MsgKeyExists       = "key_exists"
	MsgKeyRemoved      = "key_removed"
	MsgKeyMissing      = "key_missing"
	MsgKeyUsage        = "key_usage"
)
