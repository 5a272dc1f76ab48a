package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineError(t *testing.T) {
	cause := errors.New("boom")
	err := NewPipelineError(KindExtraction, "cleaning", cause)

	assert.Equal(t, "extraction at stage cleaning: boom", err.Error())
	assert.ErrorIs(t, err, cause)

	t.Run("without a stage", func(t *testing.T) {
		err := NewPipelineError(KindTransient, "", cause)
		assert.Equal(t, "transient: boom", err.Error())
	})
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"classified pipeline error", NewPipelineError(KindValidation, "validation", errors.New("x")), KindValidation},
		{"wrapped pipeline error", fmt.Errorf("outer: %w", NewPipelineError(KindDedup, "", errors.New("x"))), KindDedup},
		{"invalid transition is fatal", fmt.Errorf("state: %w", ErrInvalidTransition), KindFatal},
		{"circuit open is transient", ErrCircuitOpen, KindTransient},
		{"rate limited is transient", ErrRateLimited, KindTransient},
		{"unclassified defaults to transient", errors.New("mystery"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Run("transient errors retry until attempts run out", func(t *testing.T) {
		assert.True(t, Retryable(KindTransient, 0, 3))
		assert.True(t, Retryable(KindTransient, 2, 3))
		assert.False(t, Retryable(KindTransient, 3, 3))
	})

	t.Run("permanent kinds never retry", func(t *testing.T) {
		for _, kind := range []ErrorKind{KindValidation, KindFeedPolicy, KindDedup, KindLanguage, KindExtraction, KindFatal, KindCancelled} {
			assert.False(t, Retryable(kind, 0, 3), string(kind))
		}
	})
}

func TestKnownRejectionReasons(t *testing.T) {
	for _, reason := range []RejectionReason{
		RejectInvalidContent, RejectTooShort, RejectTooOld, RejectFeedQuota,
		RejectDomainBlacklist, RejectLowQuality, RejectDuplicateURL,
		RejectDuplicateContent, RejectInvalidLanguage, RejectExtractionFailed,
		RejectPaywall,
	} {
		assert.True(t, KnownRejectionReasons[reason], string(reason))
	}
	assert.False(t, KnownRejectionReasons["made_up"])
}
