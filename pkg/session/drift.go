package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// DriftThreshold is the classifier score at or above which the topic is
// considered to have changed.
const DriftThreshold = 0.80

// driftScore asks the model how likely the new message starts a different
// topic, expecting a bare float in [0,1].
func (r *Resolver) driftScore(ctx context.Context, summary, message string) (float64, error) {
	prompt := fmt.Sprintf(
		"Conversation so far: %s\nNew message: %s\nReply with only a number between 0 and 1: the probability the new message starts an unrelated topic.",
		summary, message)
	out, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		return 0, err
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("classifier returned %q", out)
	}
	if score < 0 || score > 1 {
		return 0, fmt.Errorf("classifier score %f out of range", score)
	}
	return score, nil
}
