package voice

import (
	"regexp"
	"strings"
	"unicode"
)

func isBreak(r rune) bool {
	switch r {
	case ',', '.', '?', '!', ':', ';', '，', '。', '？', '！', '：', '；':
		return true
	}
	return false
}

// segmenter splits streamed text at punctuation. The unfinished tail is
// carried across feed calls.
type segmenter struct {
	pending strings.Builder
	// spoken is set once pending holds something besides punctuation and
	// whitespace.
	spoken bool
}

func (s *segmenter) feed(chunk string) []string {
	var out []string
	for _, r := range chunk {
		s.pending.WriteRune(r)
		if isBreak(r) {
			if s.spoken {
				out = append(out, s.pending.String())
				s.pending.Reset()
				s.spoken = false
			}
			continue
		}
		if !unicode.IsSpace(r) {
			s.spoken = true
		}
	}
	return out
}

// flush returns the carried tail if it has anything worth speaking.
func (s *segmenter) flush() string {
	rest := s.pending.String()
	spoken := s.spoken
	s.reset()
	if !spoken {
		return ""
	}
	return rest
}

func (s *segmenter) blank() bool { return strings.TrimSpace(s.pending.String()) == "" }

func (s *segmenter) reset() {
	s.pending.Reset()
	s.spoken = false
}

var (
	tagRe   = regexp.MustCompile(`<[^>]+>`)
	asideRe = regexp.MustCompile(`（.*?）|\(.*?\)`)
	starRe  = regexp.MustCompile(`\*.*?\*`)
)

// Sanitize is what the synthesizer hears: emotion tags, parenthesized
// asides and *actions* are dropped.
func Sanitize(text string) string {
	text = tagRe.ReplaceAllString(text, "")
	text = asideRe.ReplaceAllString(text, "")
	text = starRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
