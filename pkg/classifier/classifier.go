// Package classifier maps inbound message text to a model complexity tier.
//
// Classification is pure and deterministic. Complex signals are evaluated
// before simple ones so that a short keyword such as "help" cannot pull a
// genuinely complex request ("help me build a script") down to the cheap tier.
package classifier

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Tier ordinals returned by Classify.
const (
	TierSimple   = 1
	TierModerate = 2
	TierComplex  = 3
)

const (
	complexLength = 200
	shortLength   = 50
	tinyLength    = 10
)

// Result is the outcome of a classification. Reason is diagnostic only.
type Result struct {
	Tier   int    `json:"tier"`
	Reason string `json:"reason"`
}

var (
	complexPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(explain|analy[sz]e|analysis|compare|contrast|evaluate|reason|justify|prove|derive)\b`),
		regexp.MustCompile(`(?i)\b(code|coding|script|program|function|algorithm|debug|refactor|implement|build|deploy|sql|regex|api)\b`),
		regexp.MustCompile(`(?i)\b(strategy|strategic|plan|roadmap|architecture|design|optimi[sz]e|trade-?offs?|pros and cons)\b`),
		regexp.MustCompile(`(?i)\b(calculate|computation|equation|step[- ]by[- ]step|in detail|break down)\b`),
	}

	greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|sup|hiya|howdy|greetings|good (morning|afternoon|evening|night)|thanks|thank you|ok|okay|bye)\b`)
	whPattern       = regexp.MustCompile(`(?i)^\s*(who|what|when|where|which|why|how)( is| are| was| do| does| did)?\b`)

	shortKeywords = map[string]bool{
		"help":      true,
		"info":      true,
		"about":     true,
		"introduce": true,
	}
)

// Classify returns the tier for text together with a human-readable reason.
func Classify(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Tier: TierSimple, Reason: "empty"}
	}

	length := utf8.RuneCountInString(trimmed)

	if length > complexLength {
		return Result{Tier: TierComplex, Reason: "long message"}
	}
	for _, p := range complexPatterns {
		if p.MatchString(trimmed) {
			return Result{Tier: TierComplex, Reason: "complex pattern: " + strings.ToLower(p.FindString(trimmed))}
		}
	}
	if strings.Count(trimmed, "?") >= 2 {
		return Result{Tier: TierComplex, Reason: "multiple questions"}
	}

	if length < shortLength {
		switch {
		case greetingPattern.MatchString(trimmed):
			return Result{Tier: TierSimple, Reason: "greeting"}
		case whPattern.MatchString(trimmed):
			return Result{Tier: TierSimple, Reason: "simple question"}
		case shortKeywords[strings.ToLower(strings.Trim(trimmed, ".!? "))]:
			return Result{Tier: TierSimple, Reason: "keyword"}
		case len(strings.Fields(trimmed)) == 1 || length < tinyLength:
			return Result{Tier: TierSimple, Reason: "very short"}
		default:
			return Result{Tier: TierSimple, Reason: "short message"}
		}
	}

	return Result{Tier: TierModerate, Reason: "moderate length"}
}
