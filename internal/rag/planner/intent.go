package planner

import (
	"regexp"
	"strings"
)

type Intent string

const (
	IntentUnknown      Intent = "unknown"
	IntentTroubleshoot Intent = "troubleshoot"
	IntentHowTo        Intent = "howto"
	IntentPolicy       Intent = "policy"
	IntentOutage       Intent = "outage"
)

var (
	reTroubleshoot = regexp.MustCompile(`(?i)error|fail(?:s|ed|ing)?|broken|crash|won'?t\s+(?:start|open|connect)|not\s+working|can'?t\s+(?:log|sign|connect|print|open)|stuck|\bslow\b|\bdrops?\b`)
	reHowTo        = regexp.MustCompile(`(?i)how\s+(?:do|can|to)|set\s*up|install|configure|reset|enable|disable|request\s+access|where\s+(?:do|can)\s+i`)
	rePolicy       = regexp.MustCompile(`(?i)policy|allowed|permitted|compliance|security\s+(?:rule|standard)|approved\s+(?:software|hardware)|sla\b`)
	reOutage       = regexp.MustCompile(`(?i)outage|down\s+for\s+everyone|all\s+users|whole\s+(?:office|team)|since\s+this\s+morning\s+nobody`)
)

// Classify returns a coarse intent for a support question.
func Classify(q string) Intent {
	s := strings.TrimSpace(q)
	if s == "" {
		return IntentUnknown
	}
	if reOutage.MatchString(s) {
		return IntentOutage
	}
	if reTroubleshoot.MatchString(s) {
		return IntentTroubleshoot
	}
	if reHowTo.MatchString(s) {
		return IntentHowTo
	}
	if rePolicy.MatchString(s) {
		return IntentPolicy
	}
	// heuristic fallback: question mark reads as a how-to
	if strings.HasSuffix(s, "?") {
		return IntentHowTo
	}
	return IntentUnknown
}

// RetrievalK returns a K recommendation by intent given a base K.
func RetrievalK(intent Intent, base int) int {
	if base <= 0 {
		base = 5
	}
	switch intent {
	case IntentPolicy:
		if base < 6 {
			return 6
		}
		return base
	case IntentHowTo:
		if base < 7 {
			return 7
		}
		return base
	case IntentTroubleshoot:
		if base < 8 {
			return 8
		}
		return base
	case IntentOutage:
		if base < 10 {
			return 10
		}
		return base
	default:
		return base
	}
}
