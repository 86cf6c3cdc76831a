package pipeline

import "strings"

// Default keyword sets for the heuristic screen. Matching is
// case-insensitive substring matching, so multi-word terms like
// "free food" work against raw body text.
var (
	DefaultSpamTerms = []string{
		"unsubscribe", "opt out", "opt-out",
		"promotional", "advertisement",
		"click here", "buy now", "limited time",
		"act now", "special offer", "discount",
		"free trial", "no obligation",
	}

	DefaultFoodTerms = []string{
		"pizza", "lunch", "breakfast", "dinner",
		"food", "catering", "snacks", "bagels",
		"donuts", "coffee", "sandwiches", "tacos",
		"bbq", "potluck", "refreshments", "meal",
		"buffet", "free food", "provided", "served",
	}
)

// HeuristicConfig holds the keyword sets and spam-score thresholds for
// the Tier 1 filter. Zero-value slices fall back to the defaults.
type HeuristicConfig struct {
	SpamTerms []string
	FoodTerms []string

	// SpamLenient is the spam-score threshold for messages whose food
	// terms appear only in the body, so a plausible event announcement
	// tolerates some marketing boilerplate. SpamStrict is the no-food
	// threshold; the no-food reject runs before spam scoring, so it
	// never decides a verdict.
	SpamStrict  int
	SpamLenient int
}

// HeuristicFilter is the zero-cost Tier 1 screen. Evaluate is a pure
// function of the message and the fixed keyword sets: no I/O, no side
// effects, deterministic.
type HeuristicFilter struct {
	spamTerms   []string
	foodTerms   []string
	spamStrict  int
	spamLenient int
}

// NewHeuristicFilter builds a Tier 1 filter from config, filling in
// default keyword sets where none are given.
func NewHeuristicFilter(cfg HeuristicConfig) *HeuristicFilter {
	spam := cfg.SpamTerms
	if len(spam) == 0 {
		spam = DefaultSpamTerms
	}
	food := cfg.FoodTerms
	if len(food) == 0 {
		food = DefaultFoodTerms
	}
	return &HeuristicFilter{
		spamTerms:   spam,
		foodTerms:   food,
		spamStrict:  cfg.SpamStrict,
		spamLenient: cfg.SpamLenient,
	}
}

// Evaluate screens one message. Decision order:
//
//  1. no food term in subject or body   -> reject "no_food_keywords"
//  2. food term in the subject          -> pass, spam heuristics bypassed
//     (an "unsubscribe" footer alone must not kill a genuine
//     announcement whose title names the food)
//  3. otherwise the spam score is compared against the threshold for
//     the food-terms-present case; over threshold -> reject "spam"
//
// Food terms only in the body select the lenient threshold but do not
// bypass the spam check.
func (f *HeuristicFilter) Evaluate(subject, body string) Verdict {
	subjectLower := strings.ToLower(subject)
	bodyLower := strings.ToLower(body)

	subjectFood := containsAny(subjectLower, f.foodTerms)
	bodyFood := containsAny(bodyLower, f.foodTerms)

	if !subjectFood && !bodyFood {
		return Verdict{Rejected: true, Reason: ReasonNoFoodKeywords}
	}

	if subjectFood {
		return Verdict{}
	}

	score := countMatches(subjectLower, f.spamTerms) + countMatches(bodyLower, f.spamTerms)
	if score > f.thresholdFor(bodyFood) {
		return Verdict{Rejected: true, Reason: ReasonSpam}
	}

	return Verdict{}
}

// thresholdFor selects the spam-score threshold: lenient when any
// food-signal term is present, strict otherwise. Evaluate rejects
// no-food messages before it gets here, so only the lenient branch is
// reachable through the verdict path.
func (f *HeuristicFilter) thresholdFor(hasFood bool) int {
	if hasFood {
		return f.spamLenient
	}
	return f.spamStrict
}

func containsAny(haystack string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			return true
		}
	}
	return false
}

func countMatches(haystack string, terms []string) int {
	n := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			n++
		}
	}
	return n
}
