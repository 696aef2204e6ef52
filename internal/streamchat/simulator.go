package streamchat

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

var simulatedResponses = []string{
	"I'm here to help you with OnboardIQ! I can assist with onboarding, document generation, video sessions, and more.",
	"Let me help you with that. I can guide you through the onboarding process, generate documents, or schedule video calls.",
	"Great question! I can provide personalized assistance for your onboarding journey. What specific help do you need?",
	"I understand you're looking for help. I'm equipped to assist with various aspects of the OnboardIQ platform.",
	"I'm ready to help! Whether it's onboarding guidance, document creation, or technical support, I'm here for you.",
}

// Simulator produces a canned reply word by word when the chat server is
// unreachable.
type Simulator struct {
	MinDelay time.Duration
	MaxDelay time.Duration

	pick func(n int) int
}

// NewSimulator returns a Simulator pacing words 100-300ms apart.
func NewSimulator() *Simulator {
	return &Simulator{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 300 * time.Millisecond,
		pick:     rand.IntN,
	}
}

// Run streams one canned reply through cb and returns its full text. It
// stops early with ctx.Err() when ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, cb Callbacks) (string, error) {
	pick := s.pick
	if pick == nil {
		pick = rand.IntN
	}
	words := strings.Split(simulatedResponses[pick(len(simulatedResponses))], " ")

	var text strings.Builder
	for i, word := range words {
		if i > 0 {
			text.WriteByte(' ')
		}
		text.WriteString(word)
		cb.chunk(word+" ", text.String(), float64(i+1)/float64(len(words)))

		if err := sleepCtx(ctx, s.delay()); err != nil {
			return text.String(), err
		}
	}

	cb.complete(text.String())
	return text.String(), nil
}

func (s *Simulator) delay() time.Duration {
	if s.MaxDelay <= s.MinDelay {
		return s.MinDelay
	}
	return s.MinDelay + rand.N(s.MaxDelay-s.MinDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
