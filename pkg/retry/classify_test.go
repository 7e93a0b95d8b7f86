package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"Nil", nil, false},
		{"Deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"Canceled", context.Canceled, false},
		{"Rate limited", &StatusError{Code: 429}, true},
		{"Bad gateway", &StatusError{Code: 502}, true},
		{"Unauthorized", &StatusError{Code: 401}, false},
		{"Bad request", &StatusError{Code: 400}, false},
		{"Status in text", errors.New("API returned unexpected status code: 503: overloaded"), true},
		{"Auth in text", errors.New("API returned unexpected status code: 401: invalid api key"), false},
		{"Rate limit hint", errors.New("Rate limit reached for requests"), true},
		{"Unrelated", errors.New("invalid model name"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestStatusFromText(t *testing.T) {
	code, ok := StatusFromText(errors.New("API returned unexpected status code: 429: slow down"))
	assert.True(t, ok)
	assert.Equal(t, 429, code)

	_, ok = StatusFromText(errors.New("no code here"))
	assert.False(t, ok)
}
