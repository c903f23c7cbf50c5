package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "  ", ""},
		{"plain", "hello", "hello"},
		{"emphasis", "**bold** and *italic*", "<b>bold</b> and <i>italic</i>"},
		{"inline code", "run `ls`", "run <code>ls</code>"},
		{"heading", "# Title", "<b>Title</b>"},
		{"list", "- a\n- b", "• a\n• b"},
		{"escapes", "1 < 2", "1 &lt; 2"},
		{"link", "[x](http://e.com)", `<a href="http://e.com">x</a>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToTelegramHTML(tt.in))
		})
	}
}

func TestToTelegramHTML_CodeBlock(t *testing.T) {
	got := ToTelegramHTML("```go\nfmt.Println(1)\n```")
	assert.Equal(t, "<pre>fmt.Println(1)\n</pre>", got)
}
