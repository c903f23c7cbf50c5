package user

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/gpt-relay-bot-go/internal/i18n"
	"github.com/gpt-relay-bot-go/internal/models"
	"github.com/gpt-relay-bot-go/internal/services/ai"
	"github.com/gpt-relay-bot-go/internal/services/settings"
	"github.com/gpt-relay-bot-go/internal/services/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idTranslator struct{}

func (idTranslator) T(messageID string, data map[string]any) string { return messageID }

// stubCompleter answers with text and prompt token usage, optionally
// blocking until release is closed.
type stubCompleter struct {
	mu      sync.Mutex
	text    string
	prompt  int
	err     error
	calls   []*ai.CompletionRequest
	started chan struct{}
	release chan struct{}
}

func (c *stubCompleter) Complete(ctx context.Context, req *ai.CompletionRequest) (*models.Completion, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	if c.started != nil {
		c.started <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return nil, c.err
	}
	return &models.Completion{
		Text:  c.text,
		Usage: models.Usage{PromptTokens: c.prompt, CompletionTokens: 5, TotalTokens: c.prompt + 5},
	}, nil
}

func (c *stubCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type stubImages struct{}

func (stubImages) GenerateImage(ctx context.Context, req *ai.ImageRequest) (*models.Image, error) {
	return &models.Image{URL: "img:" + req.Prompt, Cost: models.ImageSizeCosts[req.Size]}, nil
}

type fixture struct {
	store    *storage.Manager
	settings *settings.Settings
	llm      *stubCompleter
	deps     Deps
}

func newFixture(t *testing.T, env config.SettingsConfig) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := storage.NewManagerWithBackend(storage.NewMemoryBackend(), logger)
	db, err := store.Open(context.Background(), "db")
	require.NoError(t, err)
	s, err := settings.New(db, env, t.TempDir(), logger)
	require.NoError(t, err)

	llm := &stubCompleter{text: "answer", prompt: 10}
	return &fixture{
		store:    store,
		settings: s,
		llm:      llm,
		deps: Deps{
			Store:      store,
			Settings:   s,
			Completer:  llm,
			Images:     stubImages{},
			Translator: idTranslator{},
			Logger:     logger,
		},
	}
}

func (f *fixture) session(t *testing.T, id string) *Session {
	t.Helper()
	s, err := Load(context.Background(), id, f.deps)
	require.NoError(t, err)
	return s
}

// withHistory begins a conversation holding n pushed turns.
func withHistory(t *testing.T, s *Session, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx))
	for i := 0; i < n; i++ {
		require.NoError(t, s.Push(ctx, "q"+string(rune('0'+i)), "a"+string(rune('0'+i))))
	}
}

func ptr[T any](v T) *T { return &v }

func TestAnswer_AppendsTurnAndPersists(t *testing.T) {
	f := newFixture(t, config.SettingsConfig{})
	s := f.session(t, "100")
	withHistory(t, s, 1)

	reply, err := s.Answer(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "answer", reply)

	conv := s.Current()
	require.Len(t, conv.Data, 2)
	assert.Equal(t, models.Turn{Question: "hello", Answer: "answer"}, conv.Data[1])

	req := f.llm.calls[0]
	require.Len(t, req.Messages, 4)
	assert.Equal(t, models.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[3].Content)
	assert.Equal(t, settings.DefaultModel, req.Model)
	assert.Equal(t, settings.DefaultMaxTokens, req.MaxTokens)
	assert.NotEqual(t, "100", req.User, "provider gets an opaque id")

	reloaded := f.session(t, "100")
	assert.Len(t, reloaded.Current().Data, 2)
}

func TestAnswer_ChatModes(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		prompt    int
		wantLen   int
		wantTip   string
		wantFirst string
	}{
		{"pop_front below limit", "pop_front", 599, 3, "", "q0"},
		{"pop_front at limit drops oldest", "pop_front", 600, 2, i18n.MsgTipPopFront + "\n", "q1"},
		{"pop_back below limit", "pop_back", 10, 3, "", "q0"},
		{"pop_back at limit drops new turn", "pop_back", 600, 2, i18n.MsgTipPopBack + "\n", "q0"},
		{"not_save never grows", "not_save", 10, 2, i18n.MsgTipNotSave + "\n", "q0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, config.SettingsConfig{MaxPrompts: ptr(600)})
			f.llm.prompt = tt.prompt
			s := f.session(t, "1")
			ok, err := s.SetMode(ctx, tt.mode)
			require.NoError(t, err)
			require.True(t, ok)
			withHistory(t, s, 2)

			reply, err := s.Answer(ctx, "new")
			require.NoError(t, err)
			assert.Equal(t, tt.wantTip+"answer", reply)

			conv := s.Current()
			assert.Len(t, conv.Data, tt.wantLen)
			assert.Equal(t, tt.wantFirst, conv.Data[0].Question)

			persisted := f.session(t, "1").Current()
			assert.Equal(t, conv.Data, persisted.Data)
		})
	}
}

func TestAnswer_TipSuppressed(t *testing.T) {
	f := newFixture(t, config.SettingsConfig{DefaultMode: ptr("not_save"), ShowTip: ptr(false)})
	s := f.session(t, "1")
	withHistory(t, s, 0)

	reply, err := s.Answer(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "answer", reply)
}

func TestAnswer_ProviderFailureLeavesHistory(t *testing.T) {
	f := newFixture(t, config.SettingsConfig{})
	f.llm.err = ai.ErrAllKeysFailed
	s := f.session(t, "1")
	withHistory(t, s, 1)

	reply, err := s.Answer(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, i18n.MsgAnswerFailed, reply)
	assert.Len(t, s.Current().Data, 1)
	assert.False(t, s.Busy())
}

func TestAnswer_NoConversation(t *testing.T) {
	f := newFixture(t, config.SettingsConfig{})
	s := f.session(t, "1")

	_, err := s.Answer(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNoConversation)
	assert.Zero(t, f.llm.callCount())
}

func TestSave_ArchiveIsIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.SettingsConfig{})
	s := f.session(t, "1")
	withHistory(t, s, 1)

	require.NoError(t, s.Save(ctx, "first"))
	_, err := s.Answer(ctx, "more")
	require.NoError(t, err)
	_, err = s.Answer(ctx, "and more")
	require.NoError(t, err)

	archived, err := s.Conversation(0)
	require.NoError(t, err)
	assert.Equal(t, "first", archived.Title)
	assert.Len(t, archived.Data, 1)
	assert.Len(t, s.Current().Data, 3)
	assert.Empty(t, s.Current().Title, "active conversation stays untitled")

	archived.Data = nil
	again, _ := s.Conversation(0)
	assert.Len(t, again.Data, 1, "accessors return copies")
}

func TestAnswer_StaleTurnDiscarded(t *testing.T) {
	for name, interrupt := range map[string]func(context.Context, *Session) error{
		"end":   func(ctx context.Context, s *Session) error { return s.End(ctx) },
		"begin": func(ctx context.Context, s *Session) error { return s.Begin(ctx) },
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, config.SettingsConfig{})
			f.llm.started = make(chan struct{})
			f.llm.release = make(chan struct{})
			s := f.session(t, "1")
			withHistory(t, s, 1)
			require.NoError(t, s.Save(ctx, "saved"))

			done := make(chan string)
			go func() {
				reply, _ := s.Answer(ctx, "late question")
				done <- reply
			}()

			<-f.llm.started
			require.NoError(t, interrupt(ctx, s))
			close(f.llm.release)

			assert.Equal(t, "answer", <-done)
			if conv := s.Current(); conv != nil {
				assert.Empty(t, conv.Data)
			}
			archived, _ := s.Conversation(0)
			assert.Len(t, archived.Data, 1)
		})
	}
}

func TestAnswer_StaleTurnStillDrawsImages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.SettingsConfig{})
	f.llm.text = "here {IMG:cat}"
	f.llm.started = make(chan struct{})
	f.llm.release = make(chan struct{})
	s := f.session(t, "1")
	withHistory(t, s, 0)

	done := make(chan string)
	go func() {
		reply, _ := s.Answer(ctx, "draw a cat")
		done <- reply
	}()

	<-f.llm.started
	require.NoError(t, s.End(ctx))
	close(f.llm.release)

	assert.Equal(t, "here img:cat", <-done)
	assert.Nil(t, s.Current())
	assert.Nil(t, f.session(t, "1").Current(), "no stored conversation keeps the turn")
	assert.Empty(t, s.Conversations())

	images, _ := s.Images()
	require.Len(t, images, 1)
	assert.Equal(t, "cat", images[0].Prompt)
}

func TestAnswer_BusyGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.SettingsConfig{})
	f.llm.started = make(chan struct{})
	f.llm.release = make(chan struct{})
	s := f.session(t, "1")
	withHistory(t, s, 1)

	done := make(chan string)
	go func() {
		reply, _ := s.Answer(ctx, "first")
		done <- reply
	}()
	<-f.llm.started

	reply, err := s.Answer(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, i18n.MsgBusy, reply)

	_, err = s.Retry(ctx)
	require.NoError(t, err)
	assert.Len(t, s.Current().Data, 1, "retry must not pop while busy")

	close(f.llm.release)
	assert.Equal(t, "answer", <-done)
	assert.Equal(t, 1, f.llm.callCount())

	conv := s.Current()
	require.Len(t, conv.Data, 2)
	assert.Equal(t, "first", conv.Data[1].Question)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.SettingsConfig{})
	s := f.session(t, "1")

	_, err := s.Retry(ctx)
	assert.ErrorIs(t, err, ErrNoConversation)

	withHistory(t, s, 0)
	_, err = s.Retry(ctx)
	assert.ErrorIs(t, err, ErrEmptyHistory)

	require.NoError(t, s.Push(ctx, "again?", "old"))
	reply, err := s.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, "answer", reply)

	conv := s.Current()
	require.Len(t, conv.Data, 1)
	assert.Equal(t, models.Turn{Question: "again?", Answer: "answer"}, conv.Data[0])
	assert.Len(t, f.llm.calls[0].Messages, 2, "old turn is not sent")
}

func TestBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.SettingsConfig{})
	s := f.session(t, "1")
	withHistory(t, s, 2)

	turn, err := s.Back(ctx)
	require.NoError(t, err)
	assert.Equal(t, "q1", turn.Question)
	assert.Len(t, f.session(t, "1").Current().Data, 1)
}

func TestImageMarkers(t *testing.T) {
	f := newFixture(t, config.SettingsConfig{MaxImages: ptr(1)})
	f.llm.text = "a{IMG:cat}b{IMG:dog}c"
	s := f.session(t, "1")
	withHistory(t, s, 0)

	reply, err := s.Answer(context.Background(), "draw")
	require.NoError(t, err)
	assert.Equal(t, "aimg:catb"+i18n.MsgImageLimit+"c", reply)

	images, cost := s.Images()
	require.Len(t, images, 1)
	assert.Equal(t, "cat", images[0].Prompt)
	assert.Equal(t, 0.016, cost)

	stored := s.Current().Data[0].Answer
	assert.Equal(t, "a{IMG:cat}b{IMG:dog}c", stored, "history keeps the raw markers")
}

func TestImageMarkers_Disabled(t *testing.T) {
	f := newFixture(t, config.SettingsConfig{ImageSize: ptr(0)})
	f.llm.text = "look {IMG:cat}"
	s := f.session(t, "1")
	withHistory(t, s, 0)

	reply, err := s.Answer(context.Background(), "draw")
	require.NoError(t, err)
	assert.Equal(t, "look {IMG:cat}", reply)

	_, err = s.GenerateImage(context.Background(), "cat")
	assert.ErrorIs(t, err, ErrImagesDisabled)
}

func TestImageChatConversation(t *testing.T) {
	conv := ImageChatConversation()
	assert.Equal(t, ImageChatTitle, conv.Title)
	assert.Len(t, conv.Data, 3)
	assert.Len(t, imageMarker.FindAllString(conv.Data[2].Answer, -1), 3)
}

func TestPrefixSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.SettingsConfig{})
	s := f.session(t, "1")

	require.NoError(t, s.SetPrefix(ctx, "pirate"))
	require.NoError(t, s.SetParam(ctx, "temperature", 1.5))
	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.SetPrefix(ctx, "poet"))

	conv := s.Current()
	assert.Equal(t, "pirate", conv.Prefix)
	assert.Equal(t, 1.5, conv.Temperature)
	assert.Equal(t, "poet", s.Info().Prefix)

	assert.ErrorIs(t, s.SetParam(ctx, "top_k", 1), ErrUnknownParam)
}

func TestSetMode_InvalidPersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.SettingsConfig{})
	s := f.session(t, "1")

	ok, err := s.SetMode(ctx, "pop_middle")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.ModePopFront, s.Info().Mode)

	doc, err := f.store.Open(ctx, "user/1")
	require.NoError(t, err)
	var stored string
	found, err := doc.Get(keyMode, &stored)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResetParams(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.SettingsConfig{})
	s := f.session(t, "1")

	require.NoError(t, s.SetPrefix(ctx, "pirate"))
	_, err := s.SetMode(ctx, "not_save")
	require.NoError(t, err)
	require.NoError(t, s.ResetParams(ctx))

	info := f.session(t, "1").Info()
	assert.Equal(t, settings.DefaultPrefix, info.Prefix)
	assert.Equal(t, models.ModePopFront, info.Mode)
}

func TestModels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.SettingsConfig{})
	s := f.session(t, "1")

	assert.ErrorIs(t, s.SetModel(ctx, "gpt-4"), ErrModelNotAllowed)
	require.NoError(t, s.SetModel(ctx, settings.DefaultModel))

	added, err := s.EnableModel(ctx, "gpt-4")
	require.NoError(t, err)
	assert.True(t, added)
	require.NoError(t, s.SetModel(ctx, "gpt-4"))
	assert.Equal(t, "gpt-4", s.Model())
	assert.Equal(t, []string{settings.DefaultModel, "gpt-4"}, s.AccessModels())

	removed, err := s.DisableModel(ctx, "gpt-4")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, settings.DefaultModel, s.Model())
}

func TestDeleteConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.SettingsConfig{})
	s := f.session(t, "1")
	withHistory(t, s, 0)
	require.NoError(t, s.Save(ctx, "one"))
	require.NoError(t, s.Save(ctx, "two"))

	removed, err := s.DeleteConversation(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "one", removed.Title)

	_, err = s.DeleteConversation(ctx, 5)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
	require.Len(t, s.Conversations(), 1)
	assert.Equal(t, "two", s.Conversations()[0].Title)
}

func TestShareList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.SettingsConfig{})
	db, err := f.store.Open(ctx, "db")
	require.NoError(t, err)
	shares, err := NewShareList(db)
	require.NoError(t, err)

	conv := &models.Conversation{Title: "t", Data: []models.Turn{{Question: "q", Answer: "a"}}}
	n, err := shares.Add(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	conv.Data[0].Answer = "changed"
	got, err := shares.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Data[0].Answer)

	_, err = shares.Get(1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	reloaded, err := NewShareList(db)
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, reloaded.Titles())
}
