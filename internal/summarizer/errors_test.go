package summarizer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"rate limited", &googleapi.Error{Code: 429}, KindRateLimited},
		{"model not found", &googleapi.Error{Code: 404}, KindNotFound},
		{"server error", &googleapi.Error{Code: 503}, KindNetwork},
		{"client error", &googleapi.Error{Code: 400}, KindOther},
		{"wrapped api error", fmt.Errorf("call: %w", &googleapi.Error{Code: 429}), KindRateLimited},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"plain error", errors.New("boom"), KindOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.err))
		})
	}
}

func TestKindOf(t *testing.T) {
	err := newError(KindRateLimited, "quota", &googleapi.Error{Code: 429})
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, KindRateLimited, KindOf(fmt.Errorf("summarize: %w", err)))
	assert.Equal(t, KindOther, KindOf(errors.New("boom")))
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(KindRateLimited))
	assert.True(t, Transient(KindTimeout))
	assert.True(t, Transient(KindNetwork))
	assert.False(t, Transient(KindContentRejected))
	assert.False(t, Transient(KindNotFound))
	assert.False(t, Transient(KindOther))
}

func TestIsRefusal(t *testing.T) {
	assert.True(t, IsRefusal("I'm sorry, but I can't help with that."))
	assert.True(t, IsRefusal("Lo siento, no puedo ayudar con eso."))
	assert.True(t, IsRefusal("I cannot fulfill this request."))
	assert.True(t, IsRefusal("  "))
	// A short reply that embeds a marker is still a refusal.
	assert.True(t, IsRefusal("Sadly I cannot fulfill that."))
	assert.False(t, IsRefusal("The speaker opens the session by reviewing last week's metrics."))
	// Long legitimate text mentioning a marker mid-sentence is not a refusal.
	long := "The lecturer says \"lo siento\" while apologizing to a student, then continues. " +
		"The rest of the session covers the course syllabus in detail, including grading, " +
		"attendance rules, office hours and the reading list for the first month of classes."
	assert.False(t, IsRefusal(long))
}
