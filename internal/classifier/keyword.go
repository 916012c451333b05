package classifier

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aristath/taskrouter/internal/task"
)

// Rule maps a capability label to the keywords that indicate it.
type Rule struct {
	Label    string   `json:"label" yaml:"label"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

type compiledRule struct {
	label    string
	keywords []*regexp.Regexp
}

// KeywordMatcher scores text against keyword rules. Matching is
// case-insensitive and on whole words.
type KeywordMatcher struct {
	rules          []compiledRule
	saturationHits int
}

// NewKeywordMatcher compiles rules. Rules sharing a label are merged.
func NewKeywordMatcher(rules []Rule, saturationHits int) (*KeywordMatcher, error) {
	if saturationHits <= 0 {
		saturationHits = DefaultSaturationHits
	}

	byLabel := make(map[string][]string)
	var labels []string
	for _, r := range rules {
		label := strings.TrimSpace(r.Label)
		if label == "" {
			return nil, fmt.Errorf("%w: keyword rule without label", task.ErrValidation)
		}
		if _, ok := byLabel[label]; !ok {
			labels = append(labels, label)
		}
		byLabel[label] = append(byLabel[label], r.Keywords...)
	}
	sort.Strings(labels)

	m := &KeywordMatcher{saturationHits: saturationHits}
	for _, label := range labels {
		cr := compiledRule{label: label}
		seen := make(map[string]bool)
		for _, kw := range byLabel[label] {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("compile keyword %q for %q: %w", kw, label, err)
			}
			cr.keywords = append(cr.keywords, re)
		}
		m.rules = append(m.rules, cr)
	}
	return m, nil
}

// Match returns the best label for text. Hits are the number of distinct
// keywords found; ties go to the alphabetically first label. Confidence is
// the winner's share of all hits, scaled down while the winner has fewer
// than saturationHits hits.
func (m *KeywordMatcher) Match(text string) task.Intent {
	if strings.TrimSpace(text) == "" {
		return task.UnknownIntent()
	}

	best, total := 0, 0
	bestLabel := ""
	for _, r := range m.rules {
		hits := 0
		for _, re := range r.keywords {
			if re.MatchString(text) {
				hits++
			}
		}
		total += hits
		// Rules are sorted by label so strict > keeps the first on ties.
		if hits > best {
			best, bestLabel = hits, r.label
		}
	}
	if best == 0 {
		return task.UnknownIntent()
	}

	share := float64(best) / float64(total)
	saturation := min(1, float64(best)/float64(m.saturationHits))
	return task.Intent{
		Label:      bestLabel,
		Confidence: share * saturation,
		Source:     task.SourceKeyword,
	}
}

// Labels returns the configured labels in order.
func (m *KeywordMatcher) Labels() []string {
	out := make([]string, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.label
	}
	return out
}
