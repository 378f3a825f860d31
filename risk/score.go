// Package risk computes a bounded, deterministic login-risk score from
// attempt metadata. Scores are advisory: they feed audit and alerting and
// never block a request by themselves.
package risk

import "strings"

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100
)

// Rule weights, evaluated independently and summed.
const (
	weightAutomationUA       = 30
	weightExcessFailure      = 20
	weightDistinctIPs        = 25
	weightKnownProxy         = 40
	weightMissingFingerprint = 10

	failureGraceCount   = 3
	distinctIPThreshold = 3
)

// automationSignatures are lowercase substrings of user agents produced by
// scripted clients rather than browsers.
var automationSignatures = []string{
	"curl/",
	"wget/",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"java/",
	"okhttp",
	"libwww-perl",
	"scrapy",
	"headlesschrome",
	"phantomjs",
	"bot",
	"spider",
}

// Attempt is the slice of a login-attempt record the scorer consumes.
type Attempt struct {
	IP     string
	Failed bool
}

// Input carries everything the scorer looks at. RecentAttempts is the
// caller-selected window, newest or oldest first; order is irrelevant.
type Input struct {
	IP                 string
	UserAgent          string
	FingerprintPresent bool
	RecentAttempts     []Attempt
	// KnownProxyIPs is the deployment's proxy/exit-node list. Nil means
	// the rule never fires.
	KnownProxyIPs map[string]struct{}
}

// Score evaluates the rule set over in and returns a value in
// [MinScore, MaxScore]. Total: it never panics and has no side effects,
// and identical inputs always yield identical scores.
func Score(in Input) int {
	score := 0

	if isAutomationUA(in.UserAgent) {
		score += weightAutomationUA
	}

	failures := 0
	distinctIPs := map[string]struct{}{}
	for _, a := range in.RecentAttempts {
		if a.Failed {
			failures++
		}
		if a.IP != "" {
			distinctIPs[a.IP] = struct{}{}
		}
	}
	if failures > failureGraceCount {
		score += weightExcessFailure * (failures - failureGraceCount)
	}
	if len(distinctIPs) > distinctIPThreshold {
		score += weightDistinctIPs
	}

	if in.KnownProxyIPs != nil && in.IP != "" {
		if _, ok := in.KnownProxyIPs[in.IP]; ok {
			score += weightKnownProxy
		}
	}

	if !in.FingerprintPresent {
		score += weightMissingFingerprint
	}

	if score > MaxScore {
		return MaxScore
	}
	if score < MinScore {
		return MinScore
	}
	return score
}

func isAutomationUA(ua string) bool {
	if ua == "" {
		return true
	}
	lowered := strings.ToLower(ua)
	for _, sig := range automationSignatures {
		if strings.Contains(lowered, sig) {
			return true
		}
	}
	return false
}
