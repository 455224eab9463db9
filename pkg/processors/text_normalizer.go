package processors

import (
	"regexp"
	"sort"
	"strings"

	"github.com/harunnryd/ranya-stt/pkg/frames"
)

type TextNormalizerConfig struct {
	Replacements map[string]string `mapstructure:"replacements"`
	Source       string            `mapstructure:"source"`
}

type replacement struct {
	re *regexp.Regexp
	to string
}

// TextNormalizer rewrites domain terms in transcripts. Matching is case
// insensitive and bound to whole words; the rest of the text is untouched.
type TextNormalizer struct {
	rules  []replacement
	source string
}

func NewTextNormalizer(cfg TextNormalizerConfig) *TextNormalizer {
	if cfg.Source == "" {
		cfg.Source = "stt"
	}
	froms := make([]string, 0, len(cfg.Replacements))
	for from := range cfg.Replacements {
		if strings.TrimSpace(from) != "" {
			froms = append(froms, from)
		}
	}
	// Longest phrases first so "air con" wins over "air".
	sort.Slice(froms, func(i, j int) bool {
		if len(froms[i]) != len(froms[j]) {
			return len(froms[i]) > len(froms[j])
		}
		return froms[i] < froms[j]
	})
	rules := make([]replacement, 0, len(froms))
	for _, from := range froms {
		rules = append(rules, replacement{
			re: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(from) + `\b`),
			to: cfg.Replacements[from],
		})
	}
	return &TextNormalizer{rules: rules, source: cfg.Source}
}

func (t *TextNormalizer) Name() string { return "text_normalizer" }

// Normalize applies every replacement to text.
func (t *TextNormalizer) Normalize(text string) string {
	for _, r := range t.rules {
		text = r.re.ReplaceAllLiteralString(text, r.to)
	}
	return text
}

func (t *TextNormalizer) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText || len(t.rules) == 0 {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if t.source != "" && meta[frames.MetaSource] != t.source {
		return []frames.Frame{f}, nil
	}
	normalized := t.Normalize(tf.Text())
	if normalized == tf.Text() {
		return []frames.Frame{f}, nil
	}
	meta[frames.MetaNormalized] = "true"
	return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), normalized, meta)}, nil
}

var _ FrameProcessor = (*TextNormalizer)(nil)
