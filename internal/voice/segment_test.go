package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSegmenter_CarriesAcrossChunks(t *testing.T) {
	var s segmenter
	assert.Equal(t, []string{"A,"}, s.feed("A,B"))
	assert.Equal(t, []string{"B。", "C!"}, s.feed("。C!"))
	assert.True(t, s.blank())
	assert.Equal(t, "", s.flush())
}

func TestSegmenter_PunctuationOnlyStaysPending(t *testing.T) {
	var s segmenter
	assert.Nil(t, s.feed("，，"))
	assert.Equal(t, []string{"，，好的。"}, s.feed("好的。"))
}

func TestSegmenter_FlushTail(t *testing.T) {
	var s segmenter
	assert.Equal(t, []string{"你好，"}, s.feed("你好，世界"))
	assert.False(t, s.blank())
	assert.Equal(t, "世界", s.flush())
	assert.True(t, s.blank())
}

func TestSegmenter_KeepsEmotionTags(t *testing.T) {
	var s segmenter
	assert.Equal(t, []string{"<开心高>嗨！"}, s.feed("<开心高>嗨！"))
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"<开心高>你好！":        "你好！",
		"好的（笑）。":          "好的。",
		"ok (laughs) then.": "ok  then.",
		"*waves* hi.":       "hi.",
		"  <悲伤>  ":          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), in)
	}
}
