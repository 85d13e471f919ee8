package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/jonathan/apply-agent/internal/fetch"
	"github.com/jonathan/apply-agent/internal/generation"
	"github.com/jonathan/apply-agent/internal/llm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrClass
	}{
		{"nil", nil, ClassTransient},
		{"context canceled", context.Canceled, ClassPermanent},
		{
			"retryable fetch error",
			&fetch.Error{URL: "https://x", Message: "status 503", Retryable: true},
			ClassTransient,
		},
		{
			"permanent fetch error",
			&fetch.Error{URL: "https://x", Message: "empty content", Retryable: false},
			ClassPermanent,
		},
		{
			"wrapped permanent fetch error",
			fmt.Errorf("fetching: %w", &fetch.Error{Message: "invalid URL"}),
			ClassPermanent,
		},
		{
			"policy rejection",
			&llm.PolicyError{Reason: "SAFETY"},
			ClassPermanent,
		},
		{
			"transient generation error",
			&generation.Error{Message: "model call failed", Retryable: true},
			ClassTransient,
		},
		{
			"rate limit from transport",
			&googleapi.Error{Code: 429},
			ClassTransient,
		},
		{
			"unknown error defaults to transient",
			errors.New("connection reset"),
			ClassTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrClassString(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
}
