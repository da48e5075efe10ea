package enrichment

import (
	"regexp"
	"strings"
)

var (
	weatherPattern = regexp.MustCompile(`(?i)\b(weather|forecast|temperature|raining|rain|snowing|snow|sunny|humid|humidity|umbrella|windy|degrees outside|how (hot|cold) is it)\b`)

	researchPattern = regexp.MustCompile(`(?i)\b(latest|news|today|yesterday|this (week|month|year)|current(ly)?|recent(ly)?|search|look up|find out|sources?|price of|stock|released?|announced?|who won|who is|what happened|when (is|was|did)|compare|statistics|according to)\b`)

	yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

	questionPattern = regexp.MustCompile(`(?i)^(who|what|when|where|which|why|how|is|are|does|do|did|can|should)\b`)

	// Requests the model answers from its own knowledge or the conversation itself.
	localTaskPattern = regexp.MustCompile(`(?i)\b(write (me )?(a|an) (poem|story|song|haiku|joke)|translate|rewrite|rephrase|summari[sz]e (this|the above)|fix (this|my) code|refactor|debug)\b`)

	smallTalk = map[string]struct{}{
		"hi": {}, "hello": {}, "hey": {}, "thanks": {}, "thank you": {}, "ok": {}, "okay": {},
		"good morning": {}, "good night": {}, "bye": {}, "yes": {}, "no": {}, "cool": {},
	}
)

// DetectWeatherIntent reports whether text asks about weather conditions.
func DetectWeatherIntent(text string) bool {
	return weatherPattern.MatchString(text)
}

// DetectResearchIntent reports whether text would benefit from fresh web sources.
func DetectResearchIntent(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, "!?. ")
	if normalized == "" {
		return false
	}
	if _, ok := smallTalk[normalized]; ok {
		return false
	}
	if localTaskPattern.MatchString(normalized) {
		return false
	}

	if researchPattern.MatchString(normalized) || yearPattern.MatchString(normalized) {
		return true
	}

	// Factual questions of some substance.
	return questionPattern.MatchString(normalized) && len(strings.Fields(normalized)) >= 5
}
