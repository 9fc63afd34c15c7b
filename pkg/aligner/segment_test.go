package aligner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		lang string
		want []string
	}{
		{"simple", "Hello. World.", "en", []string{"Hello.", "World."}},
		{"mixed marks", "Hello there! How are you doing? I'm fine, thanks.", "en",
			[]string{"Hello there!", "How are you doing?", "I'm fine, thanks."}},
		{"title abbreviation", "Dr. Smith said hi. Then left.", "en", []string{"Dr. Smith said hi.", "Then left."}},
		{"latin abbreviation", "Use tools, e.g. hammers. Yes.", "en", []string{"Use tools, e.g. hammers.", "Yes."}},
		{"initials", "J. R. Tolkien wrote books. Many.", "en", []string{"J. R. Tolkien wrote books.", "Many."}},
		{"decimal", "It costs 3.5 dollars. Ok.", "en", []string{"It costs 3.5 dollars.", "Ok."}},
		{"lowercase continuation", "Wait... what happened? Nothing.", "en", []string{"Wait... what happened?", "Nothing."}},
		{"closing quote", `He said "hi." Then left.`, "en", []string{`He said "hi."`, "Then left."}},
		{"newlines collapse", "Line one\nstill one. Two.", "en", []string{"Line one still one.", "Two."}},
		{"no terminator", "no terminator", "en", []string{"no terminator"}},
		{"chinese", "你好！今天天气真好。我们去散步吧？", "zh", []string{"你好！", "今天天气真好。", "我们去散步吧？"}},
		{"japanese quote", "「はい。」そうです。", "ja", []string{"「はい。」", "そうです。"}},
		{"spanish opening marks", "¿Cómo estás? Bien.", "es", []string{"¿Cómo estás?", "Bien."}},
		{"default mixes both", "Hi. 你好。", "xx", []string{"Hi.", "你好。"}},
		{"blank", "  \n ", "en", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitSentences(tt.text, tt.lang))
		})
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "it's", "3", "5"}, Tokenize("Hello, World! It's 3.5"))
	assert.Equal(t, []string{"hello"}, Tokenize("Ｈｅｌｌｏ"))
	assert.Equal(t, []string{"你", "好"}, Tokenize("你好！"))
	assert.Equal(t, []string{"café"}, Tokenize("Café"))
	assert.Empty(t, Tokenize(" ... "))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("hello", "hello"))
	assert.Equal(t, 0.0, similarity("", "hello"))
	assert.InDelta(t, 0.8, similarity("hello", "hallo"), 1e-9)
	assert.InDelta(t, 0.5, similarity("你好", "你们"), 1e-9)
}
