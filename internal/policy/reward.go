package policy

import "strings"

// Reward weights, in priority order (spec §4.9).
const (
	weightFeedback  = 2.0
	weightLatency   = 0.5
	weightError     = 1.5
	weightRetry     = 1.0
	weightSentiment = 0.0 // disabled by default
)

// Outcome describes one completed turn's raw signals for RewardShaper.
type Outcome struct {
	Feedback       string  // "yes"/"good"/"correct" -> +1, "no"/"bad"/"wrong" -> -1, else 0
	LatencySeconds float64
	Error          string
	UserText       string
	Retries        int
	MaxRetries     int // default 3
}

// Shape turns an Outcome into the weighted scalar reward fed to Bandit.Update.
func Shape(o Outcome) float64 {
	maxRetries := o.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	total := fromFeedback(o.Feedback)*weightFeedback +
		fromLatency(o.LatencySeconds)*weightLatency +
		fromError(o.Error)*weightError +
		fromRetry(o.Retries, maxRetries)*weightRetry +
		fromSentiment(o.UserText)*weightSentiment

	return total
}

func fromFeedback(feedback string) float64 {
	switch strings.ToLower(strings.TrimSpace(feedback)) {
	case "yes", "👍", "good", "correct":
		return 1.0
	case "no", "👎", "bad", "wrong":
		return -1.0
	default:
		return 0.0
	}
}

func fromLatency(seconds float64) float64 {
	switch {
	case seconds < 5.0:
		return 0.5
	case seconds < 15.0:
		return 0.0
	default:
		return -0.5
	}
}

func fromError(errText string) float64 {
	if errText == "" {
		return 0.0
	}
	return -1.0
}

func fromRetry(retries, maxRetries int) float64 {
	if retries <= 0 {
		return 1.0
	}
	penalty := float64(retries) / float64(maxRetries)
	if penalty > 1.0 {
		penalty = 1.0
	}
	return 1.0 - 2*penalty
}

var positiveWords = []string{"good", "great", "thanks", "awesome", "success"}
var negativeWords = []string{"bad", "error", "fail", "crash", "broken"}

// fromSentiment is kept for parity with the original signal but carries
// zero weight by default.
func fromSentiment(text string) float64 {
	lower := strings.ToLower(text)
	var reward float64
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			reward += 0.5
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			reward -= 0.5
		}
	}
	return reward
}
