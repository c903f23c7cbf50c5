package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123:abc"

func testTelegram() *Telegram {
	bot := &tgbotapi.BotAPI{Self: tgbotapi.User{ID: 42, IsBot: true, UserName: "relay_bot"}}
	return newTelegram(bot, &config.TelegramConfig{}, "#gpt ", quietLogger())
}

func command(text string, chat *tgbotapi.Chat) *tgbotapi.Message {
	name := strings.SplitN(text, " ", 2)[0]
	return &tgbotapi.Message{
		MessageID: 3,
		From:      &tgbotapi.User{ID: 7},
		Chat:      chat,
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func TestTelegram_Decode(t *testing.T) {
	tg := testTelegram()
	private := &tgbotapi.Chat{ID: 7, Type: "private"}
	group := &tgbotapi.Chat{ID: -100, Type: "supergroup"}

	tests := []struct {
		name string
		in   *tgbotapi.Message
		want *Message
	}{
		{
			name: "private text",
			in:   &tgbotapi.Message{MessageID: 1, From: &tgbotapi.User{ID: 7}, Chat: private, Text: "hello"},
			want: &Message{SenderID: "7", MessageID: "1", Text: "hello"},
		},
		{
			name: "slash command",
			in:   command("/load 2", private),
			want: &Message{SenderID: "7", MessageID: "3", Text: "#gpt load 2"},
		},
		{
			name: "addressed command in group",
			in:   command("/help@relay_bot begin", group),
			want: &Message{SenderID: "7", GroupID: "-100", MessageID: "3", Text: "#gpt help begin", Mentioned: true},
		},
		{
			name: "mention in group",
			in:   &tgbotapi.Message{MessageID: 4, From: &tgbotapi.User{ID: 7}, Chat: group, Text: "@relay_bot what time is it"},
			want: &Message{SenderID: "7", GroupID: "-100", MessageID: "4", Text: "what time is it", Mentioned: true},
		},
		{
			name: "reply to the bot",
			in: &tgbotapi.Message{
				MessageID:      5,
				From:           &tgbotapi.User{ID: 7},
				Chat:           group,
				Text:           "and then?",
				ReplyToMessage: &tgbotapi.Message{From: &tgbotapi.User{ID: 42}},
			},
			want: &Message{SenderID: "7", GroupID: "-100", MessageID: "5", Text: "and then?", Mentioned: true},
		},
		{
			name: "plain group text",
			in:   &tgbotapi.Message{MessageID: 6, From: &tgbotapi.User{ID: 7}, Chat: group, Text: "chatter"},
			want: &Message{SenderID: "7", GroupID: "-100", MessageID: "6", Text: "chatter"},
		},
		{name: "own message", in: &tgbotapi.Message{From: &tgbotapi.User{ID: 42}, Chat: private, Text: "x"}},
		{name: "sticker", in: &tgbotapi.Message{From: &tgbotapi.User{ID: 7}, Chat: private}},
		{name: "channel post", in: &tgbotapi.Message{Chat: group, Text: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := tg.decode(tt.in)
			if tt.want == nil {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, msg)
		})
	}
}

// botAPI fakes the Bot API. sendMessage calls with parse_mode HTML fail
// when rejectHTML is set.
type botAPI struct {
	mu         sync.Mutex
	rejectHTML bool
	sent       []url.Values
}

func (a *botAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc("/bot{token}/getMe", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Relay","username":"relay_bot"}}`)
	})
	router.HandleFunc("/bot{token}/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.rejectHTML && r.PostForm.Get("parse_mode") == tgbotapi.ModeHTML {
			io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
			return
		}
		a.sent = append(a.sent, r.PostForm)
		io.WriteString(w, `{"ok":true,"result":{"message_id":99,"date":0,"chat":{"id":-100,"type":"group"}}}`)
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func newTestTelegram(t *testing.T, api *botAPI) *Telegram {
	srv := api.server(t)
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(testToken, srv.URL+"/bot%s/%s")
	require.NoError(t, err)
	return newTelegram(bot, &config.TelegramConfig{}, "#gpt ", quietLogger())
}

func TestTelegram_SendHTML(t *testing.T) {
	api := &botAPI{}
	tg := newTestTelegram(t, api)
	assert.Equal(t, "relay_bot", tg.bot.Self.UserName)

	err := tg.send(&Message{SenderID: "7", GroupID: "-100", MessageID: "5"}, "**done**")
	require.NoError(t, err)

	require.Len(t, api.sent, 1)
	assert.Equal(t, "-100", api.sent[0].Get("chat_id"))
	assert.Equal(t, "<b>done</b>", api.sent[0].Get("text"))
	assert.Equal(t, tgbotapi.ModeHTML, api.sent[0].Get("parse_mode"))
	assert.Equal(t, "5", api.sent[0].Get("reply_to_message_id"))
}

func TestTelegram_SendFallsBackToPlainText(t *testing.T) {
	api := &botAPI{rejectHTML: true}
	tg := newTestTelegram(t, api)

	err := tg.send(&Message{SenderID: "7", MessageID: "5"}, "**done**")
	require.NoError(t, err)

	require.Len(t, api.sent, 1)
	assert.Equal(t, "7", api.sent[0].Get("chat_id"))
	assert.Equal(t, "**done**", api.sent[0].Get("text"))
	assert.Empty(t, api.sent[0].Get("parse_mode"))
}

func TestTelegram_SendSplitsLongReplies(t *testing.T) {
	api := &botAPI{}
	tg := newTestTelegram(t, api)

	err := tg.send(&Message{SenderID: "7", MessageID: "5"}, strings.Repeat("x", telegramChunkSize+10))
	require.NoError(t, err)

	require.Len(t, api.sent, 2)
	assert.Equal(t, "5", api.sent[0].Get("reply_to_message_id"))
	assert.Empty(t, api.sent[1].Get("reply_to_message_id"))
	assert.Len(t, api.sent[1].Get("text"), 10)
}

func TestTelegram_RenderImage(t *testing.T) {
	assert.Equal(t, "http://x/y.png", testTelegram().RenderImage("http://x/y.png"))
}
