package user

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/gpt-relay-bot-go/internal/i18n"
	"github.com/gpt-relay-bot-go/internal/models"
	"github.com/gpt-relay-bot-go/internal/services/ai"
	"github.com/gpt-relay-bot-go/internal/services/settings"
	"github.com/gpt-relay-bot-go/internal/services/storage"
	"github.com/gpt-relay-bot-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoConversation  = errors.New("no active conversation")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrModelNotAllowed = errors.New("model not allowed")
	ErrEmptyHistory    = errors.New("conversation has no history")
	ErrUnknownParam    = errors.New("unknown parameter")
	ErrImagesDisabled  = errors.New("image generation disabled")
)

// Document keys of a user profile
const (
	keyPrefix           = "prefix"
	keyMode             = "mode"
	keyModel            = "model"
	keyConversations    = "conversations"
	keyCurrent          = "currentConversation"
	keyAccessModels     = "accessModels"
	keyImages           = "images"
	keyTemperature      = "temperature"
	keyTopP             = "top_p"
	keyFrequencyPenalty = "frequency_penalty"
	keyPresencePenalty  = "presence_penalty"
)

// Deps are the collaborators shared by every session
type Deps struct {
	Store      *storage.Manager
	Settings   *settings.Settings
	Completer  ai.Completer
	Images     ai.ImageGenerator
	Translator i18n.Translator
	// RenderImage turns an image URL into transport specific reply text.
	RenderImage func(url string) string
	Logger      *logrus.Logger
}

// overrides are the user-level values; absent ones inherit from settings
type overrides struct {
	prefix models.Optional[string]
	params [4]models.Optional[float64]
	mode   models.Optional[models.ChatMode]
	model  models.Optional[string]
}

// Session is one identity's conversation state. Identity is a numeric
// user id, or "g<group id>" for a group sharing one session.
type Session struct {
	mu sync.Mutex

	id       string
	opaqueID string
	doc      *storage.Document
	deps     Deps
	log      *logrus.Entry

	overrides     overrides
	conversations []*models.Conversation
	current       *models.Conversation
	accessModels  []string
	images        []models.ImageRecord

	busy      bool
	busyToken uint64
}

// Load reads the profile of id, creating an empty one on first use.
func Load(ctx context.Context, id string, deps Deps) (*Session, error) {
	doc, err := deps.Store.Open(ctx, "user/"+id)
	if err != nil {
		return nil, err
	}
	if deps.RenderImage == nil {
		deps.RenderImage = func(url string) string { return url }
	}

	s := &Session{
		id:       id,
		opaqueID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(),
		doc:      doc,
		deps:     deps,
		log:      logger.WithIdentity(deps.Logger, id),
	}

	if err := s.load(); err != nil {
		doc.Close()
		return nil, fmt.Errorf("failed to load profile %s: %w", id, err)
	}
	return s, nil
}

func (s *Session) load() error {
	paramKeys := []string{keyTemperature, keyTopP, keyFrequencyPenalty, keyPresencePenalty}
	targets := map[string]any{
		keyPrefix:        &s.overrides.prefix,
		keyMode:          &s.overrides.mode,
		keyModel:         &s.overrides.model,
		keyConversations: &s.conversations,
		keyCurrent:       &s.current,
		keyAccessModels:  &s.accessModels,
		keyImages:        &s.images,
	}
	for i, key := range paramKeys {
		targets[key] = &s.overrides.params[i]
	}

	for key, dst := range targets {
		if _, err := s.doc.Get(key, dst); err != nil {
			return err
		}
	}

	if s.overrides.mode.Set {
		if _, ok := models.ParseChatMode(string(s.overrides.mode.Value)); !ok {
			s.log.WithField("mode", s.overrides.mode.Value).Warn("Ignoring invalid stored chat mode")
			s.overrides.mode = models.None[models.ChatMode]()
		}
	}
	return nil
}

// ID returns the session identity.
func (s *Session) ID() string {
	return s.id
}

// Close releases the profile document.
func (s *Session) Close() {
	s.doc.Close()
}

func (s *Session) t(id string, data map[string]any) string {
	return s.deps.Translator.T(id, data)
}

// Info is the effective user-level configuration plus the active conversation.
type Info struct {
	Prefix  string
	Params  models.Params
	Mode    models.ChatMode
	Model   string
	Current *models.Conversation
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		Prefix:  s.prefixLocked(),
		Params:  s.paramsLocked(),
		Mode:    s.modeLocked(),
		Model:   s.modelLocked(),
		Current: s.current.Clone(),
	}
}

func (s *Session) prefixLocked() string {
	return models.Resolve(s.deps.Settings.Snapshot().DefaultPrefix, s.overrides.prefix)
}

func (s *Session) paramsLocked() models.Params {
	def := s.deps.Settings.Snapshot().DefaultParams
	o := s.overrides.params
	return models.Params{
		Temperature:      models.Resolve(def.Temperature, o[0]),
		TopP:             models.Resolve(def.TopP, o[1]),
		FrequencyPenalty: models.Resolve(def.FrequencyPenalty, o[2]),
		PresencePenalty:  models.Resolve(def.PresencePenalty, o[3]),
	}
}

func (s *Session) modeLocked() models.ChatMode {
	return models.Resolve(s.deps.Settings.Snapshot().DefaultMode, s.overrides.mode)
}

func (s *Session) modelLocked() string {
	return models.Resolve(s.deps.Settings.Snapshot().DefaultModel, s.overrides.model)
}

// HasConversation reports whether a conversation is active.
func (s *Session) HasConversation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Busy reports whether an answer is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Current returns a copy of the active conversation, or nil.
func (s *Session) Current() *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Begin starts a new conversation from the current effective prefix and
// parameters. Any unsaved active conversation is discarded.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := &models.Conversation{
		Prefix: s.prefixLocked(),
		Params: s.paramsLocked(),
		Data:   []models.Turn{},
	}
	return s.replaceCurrentLocked(ctx, conv)
}

// End discards the active conversation.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceCurrentLocked(ctx, nil)
}

// SetConversation makes a copy of conv the active conversation.
func (s *Session) SetConversation(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceCurrentLocked(ctx, conv.Clone())
}

func (s *Session) replaceCurrentLocked(ctx context.Context, conv *models.Conversation) error {
	if err := s.doc.Set(ctx, keyCurrent, conv); err != nil {
		return err
	}
	s.current = conv
	s.busy = false
	return nil
}

// Save archives a copy of the active conversation under title.
func (s *Session) Save(ctx context.Context, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoConversation
	}
	archived := s.current.Clone()
	archived.Title = title

	next := append(slices.Clone(s.conversations), archived)
	if err := s.doc.Set(ctx, keyConversations, next); err != nil {
		return err
	}
	s.conversations = next
	return nil
}

// Conversations returns copies of the archive.
func (s *Session) Conversations() []*models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = c.Clone()
	}
	return out
}

// Conversation returns a copy of archive entry index (0-based).
func (s *Session) Conversation(index int) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.conversations) {
		return nil, ErrIndexOutOfRange
	}
	return s.conversations[index].Clone(), nil
}

// DeleteConversation removes archive entry index (0-based) and returns it.
func (s *Session) DeleteConversation(ctx context.Context, index int) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.conversations) {
		return nil, ErrIndexOutOfRange
	}
	removed := s.conversations[index]
	next := slices.Delete(slices.Clone(s.conversations), index, index+1)
	if err := s.doc.Set(ctx, keyConversations, next); err != nil {
		return nil, err
	}
	s.conversations = next
	return removed, nil
}

// Back removes the last turn of the active conversation and returns it.
func (s *Session) Back(ctx context.Context) (models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return models.Turn{}, ErrNoConversation
	}
	if len(s.current.Data) == 0 {
		return models.Turn{}, ErrEmptyHistory
	}

	conv := s.current.Clone()
	last := conv.Data[len(conv.Data)-1]
	conv.Data = conv.Data[:len(conv.Data)-1]
	return last, s.replaceCurrentLocked(ctx, conv)
}

// Push appends a hand written turn to the active conversation.
func (s *Session) Push(ctx context.Context, question, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoConversation
	}
	conv := s.current.Clone()
	conv.Data = append(conv.Data, models.Turn{Question: question, Answer: answer})
	return s.replaceCurrentLocked(ctx, conv)
}

// SetPrefix sets the user-level persona used by new conversations.
func (s *Session) SetPrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value := models.Some(prefix)
	if err := s.doc.Set(ctx, keyPrefix, value); err != nil {
		return err
	}
	s.overrides.prefix = value
	return nil
}

// SetParam overrides one sampling parameter for new conversations.
func (s *Session) SetParam(ctx context.Context, name string, value float64) error {
	i := slices.Index(models.ParamNames, name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	opt := models.Some(value)
	if err := s.doc.Set(ctx, name, opt); err != nil {
		return err
	}
	s.overrides.params[i] = opt
	return nil
}

// SetMode sets the user-level chat mode. An invalid mode reports false
// and persists nothing.
func (s *Session) SetMode(ctx context.Context, raw string) (bool, error) {
	mode, ok := models.ParseChatMode(raw)
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	opt := models.Some(mode)
	if err := s.doc.Set(ctx, keyMode, opt); err != nil {
		return false, err
	}
	s.overrides.mode = opt
	return true, nil
}

// ResetParams drops every user-level override so values inherit from
// the global settings again.
func (s *Session) ResetParams(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.doc.Update(ctx, func(tx *storage.Tx) error {
		for _, key := range []string{keyPrefix, keyMode, keyModel, keyTemperature, keyTopP, keyFrequencyPenalty, keyPresencePenalty} {
			tx.Delete(key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.overrides = overrides{}
	return nil
}

// AccessModels lists the models this identity may select. The global
// default model is always included.
func (s *Session) AccessModels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessModelsLocked()
}

func (s *Session) accessModelsLocked() []string {
	allowed := []string{s.deps.Settings.Snapshot().DefaultModel}
	for _, m := range s.accessModels {
		if !slices.Contains(allowed, m) {
			allowed = append(allowed, m)
		}
	}
	return allowed
}

// EnableModel grants model. It reports false if it was already granted.
func (s *Session) EnableModel(ctx context.Context, model string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.accessModels, model) {
		return false, nil
	}
	next := append(slices.Clone(s.accessModels), model)
	if err := s.doc.Set(ctx, keyAccessModels, next); err != nil {
		return false, err
	}
	s.accessModels = next
	return true, nil
}

// DisableModel revokes model. A selected model that is revoked falls back
// to the default.
func (s *Session) DisableModel(ctx context.Context, model string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.accessModels, model)
	if i < 0 {
		return false, nil
	}
	next := slices.Delete(slices.Clone(s.accessModels), i, i+1)

	err := s.doc.Update(ctx, func(tx *storage.Tx) error {
		if s.overrides.model.Set && s.overrides.model.Value == model {
			tx.Delete(keyModel)
		}
		return tx.Set(keyAccessModels, next)
	})
	if err != nil {
		return false, err
	}
	s.accessModels = next
	if s.overrides.model.Set && s.overrides.model.Value == model {
		s.overrides.model = models.None[string]()
	}
	return true, nil
}

// Model returns the model used for completions.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelLocked()
}

// SetModel selects model. It fails with ErrModelNotAllowed when model is
// not in the access set.
func (s *Session) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !slices.Contains(s.accessModelsLocked(), model) {
		return ErrModelNotAllowed
	}
	opt := models.Some(model)
	if err := s.doc.Set(ctx, keyModel, opt); err != nil {
		return err
	}
	s.overrides.model = opt
	return nil
}
