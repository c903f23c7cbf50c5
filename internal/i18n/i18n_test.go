package i18n

import (
	"encoding/json"
	"testing"

	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalizer(t *testing.T) *Localizer {
	t.Helper()
	l, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "zh", Languages: []string{"zh", "en"}})
	require.NoError(t, err)
	return l
}

func TestLocalizer_Templates(t *testing.T) {
	l := newLocalizer(t)

	got := l.T(MsgArgCount, map[string]any{
		"Name":   "list",
		"Counts": []int{0, 1},
		"Got":    2,
		"Prefix": "#gpt ",
	})
	assert.Equal(t, "命令list参数数量错误，可接受的参数数量为0、1，您输入的参数为2\n请输入#gpt help list查看帮助信息", got)

	assert.Equal(t, `未找到该命令"bogus"`, l.T(MsgUnknownCommand, map[string]any{"Name": "bogus"}))
	assert.Equal(t, `Command "bogus" not found`, l.Get("en", MsgUnknownCommand, map[string]any{"Name": "bogus"}))
}

func TestLocalizer_FallsBack(t *testing.T) {
	l := newLocalizer(t)

	assert.Equal(t, "no such message", l.T("no such message", nil))
	assert.Equal(t, l.T(MsgBegun, nil), l.Get("fr", MsgBegun, nil))
}

func TestLocalizer_RejectsUnloadedDefault(t *testing.T) {
	_, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "fr", Languages: []string{"en"}})
	assert.Error(t, err)
}

func TestLocales_SameKeys(t *testing.T) {
	read := func(name string) map[string]string {
		data, err := locales.ReadFile("locales/" + name)
		require.NoError(t, err)
		var m map[string]string
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}

	zh, en := read("zh.json"), read("en.json")
	for id := range zh {
		assert.Contains(t, en, id)
	}
	for id := range en {
		assert.Contains(t, zh, id)
	}
}
