package conditions

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/flowgate/pkg/models"
)

var (
	codeRegex    = regexp.MustCompile("(?i)\\b(func|class|def|package|import|SELECT|INSERT|UPDATE|DELETE)\\b")
	reasonRegex  = regexp.MustCompile("(?i)\\b(analyze|reason|think through|derive|prove|why|tradeoff)\\b")
	supportRegex = regexp.MustCompile("(?i)\\b(refund|order|invoice|cancel|broken|complaint|charge)\\b")
	quickRegex   = regexp.MustCompile("(?i)\\b(what is|define|quick|brief|summary)\\b")
	markdownCode = regexp.MustCompile("```")
)

// HeuristicClassifier tags message content using simple regex heuristics.
type HeuristicClassifier struct{}

// Classify returns the intent tags for content.
func (c *HeuristicClassifier) Classify(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	var tags []string

	if markdownCode.MatchString(content) || codeRegex.MatchString(content) {
		tags = append(tags, "code")
	}
	if reasonRegex.MatchString(content) {
		tags = append(tags, "reasoning")
	}
	if supportRegex.MatchString(content) {
		tags = append(tags, "support")
	}
	if quickRegex.MatchString(content) || len(content) < 80 {
		tags = append(tags, "quick")
	}

	return tags
}

// intentPredicate matches when the classifier assigns any of the configured
// tags. The argument may be a single string or a list of strings.
func intentPredicate(classifier *HeuristicClassifier) Predicate {
	return func(msg *models.IncomingMessage, arg any) bool {
		wanted := stringList(arg)
		if len(wanted) == 0 {
			return true
		}
		for _, tag := range classifier.Classify(msg.Content) {
			for _, w := range wanted {
				if strings.EqualFold(tag, w) {
					return true
				}
			}
		}
		return false
	}
}

func stringList(arg any) []string {
	switch v := arg.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{strings.TrimSpace(v)}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}
