package errors

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewError tests the basic creation of errors.
func TestNewError(t *testing.T) {
	tests := []struct {
		name    string
		code    ErrorCode
		message string
	}{
		{
			name:    "ConfigurationError",
			code:    ConfigurationError,
			message: "sample batch size not divisible by train batch size",
		},
		{
			name:    "UnsupportedAlgorithm",
			code:    UnsupportedAlgorithm,
			message: "unknown algorithm",
		},
		{
			name:    "InvariantViolation",
			code:    InvariantViolation,
			message: "optimizer step missing at accumulation boundary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)

			customErr, ok := err.(*Error)

			assert.True(t, ok, "should be a custom *Error")
			assert.Equal(t, tt.code, customErr.Code())
			assert.Equal(t, tt.message, customErr.Error())

			// New errors wrap nothing
			assert.Nil(t, customErr.Unwrap())
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(UnsupportedAlgorithm, "unknown algorithm %q", "ppo2")
	customErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, UnsupportedAlgorithm, customErr.Code())
	assert.Equal(t, `unknown algorithm "ppo2"`, customErr.Error())
}

// TestWrapError tests error wrapping functionality.
func TestWrapError(t *testing.T) {
	originalErr := stderrors.New("disk full")

	tests := []struct {
		name       string
		err        error
		code       ErrorCode
		wrapMsg    string
		expectNil  bool
		expectCode ErrorCode
	}{
		{
			name:       "Wrap normal error",
			err:        originalErr,
			code:       CheckpointFailed,
			wrapMsg:    "saving checkpoint",
			expectNil:  false,
			expectCode: CheckpointFailed,
		},
		{
			name:      "Wrap nil error",
			err:       nil,
			code:      CheckpointFailed,
			wrapMsg:   "saving checkpoint",
			expectNil: true,
		},
		{
			name:       "Wrap custom error",
			err:        New(ResourceNotFound, "no checkpoints"),
			code:       ConfigurationError,
			wrapMsg:    "resume",
			expectNil:  false,
			expectCode: ConfigurationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := Wrap(tt.err, tt.code, tt.wrapMsg)

			if tt.expectNil {
				assert.Nil(t, wrapped)
				return
			}

			assert.NotNil(t, wrapped)

			ourErr := wrapped.(*Error)
			assert.Equal(t, tt.expectCode, ourErr.Code())
			assert.Contains(t, ourErr.Error(), tt.wrapMsg)

			unwrapped := ourErr.Unwrap()
			if tt.err != nil {
				assert.Equal(t, tt.err.Error(), unwrapped.Error())
			}
		})
	}
}

// TestErrorInterfaces tests compliance with Go error interfaces.
func TestErrorInterfaces(t *testing.T) {
	t.Run("errors.Is support", func(t *testing.T) {
		err1 := New(SamplingFailed, "first")
		err2 := New(SamplingFailed, "second")
		err3 := New(ScoringFailed, "third")

		assert.True(t, stderrors.Is(err1, err2),
			"Errors with same code should match with Is")
		assert.False(t, stderrors.Is(err1, err3),
			"Errors with different codes should not match with Is")
	})

	t.Run("errors.As support", func(t *testing.T) {
		originalErr := New(SamplingFailed, "original")
		wrappedErr := Wrap(originalErr, CollectiveFailed, "gather")

		var customErr *Error
		assert.True(t, stderrors.As(wrappedErr, &customErr),
			"Should be able to extract custom error type")
		assert.Equal(t, CollectiveFailed, customErr.Code())
	})

	t.Run("error unwrapping", func(t *testing.T) {
		baseErr := stderrors.New("base error")
		wrapped := Wrap(baseErr, ValidationFailed, "wrapped error")

		unwrapped := stderrors.Unwrap(wrapped)
		assert.Equal(t, baseErr.Error(), unwrapped.Error())
	})
}

func TestErrorFields(t *testing.T) {
	t.Run("Empty fields", func(t *testing.T) {
		err := New(ValidationFailed, "error")
		customErr := err.(*Error)
		assert.Empty(t, customErr.Fields())
	})

	t.Run("Add fields", func(t *testing.T) {
		fields := Fields{
			"epoch":     3,
			"minibatch": 7,
			"rank":      0,
		}
		err := WithFields(New(InvariantViolation, "error"), fields)
		customErr := err.(*Error)
		assert.Equal(t, fields, customErr.Fields())
	})

	t.Run("Merge fields", func(t *testing.T) {
		err := WithFields(New(ValidationFailed, "error"), Fields{"a": 1})
		err = WithFields(err, Fields{"b": 2})
		customErr := err.(*Error)
		assert.Len(t, customErr.Fields(), 2)
		assert.Equal(t, 1, customErr.Fields()["a"])
		assert.Equal(t, 2, customErr.Fields()["b"])
	})

	t.Run("Fields returns copy not reference", func(t *testing.T) {
		err := WithFields(New(ValidationFailed, "error"), Fields{"key": "original"})
		customErr := err.(*Error)

		returned := customErr.Fields()
		returned["key"] = "modified"

		assert.Equal(t, "original", customErr.Fields()["key"])
	})

	t.Run("WithFields on non-Error type", func(t *testing.T) {
		baseErr := stderrors.New("base error")
		result := WithFields(baseErr, Fields{"context": "test"})

		customErr, ok := result.(*Error)
		require.True(t, ok)
		assert.Equal(t, Unknown, customErr.Code())
		assert.Equal(t, "test", customErr.Fields()["context"])
	})

	t.Run("WithFields on nil error", func(t *testing.T) {
		assert.Nil(t, WithFields(nil, Fields{"key": "value"}))
	})
}

// TestErrorString tests the string representation of errors.
func TestErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains []string
	}{
		{
			name:     "Simple error",
			err:      New(ScoringFailed, "scorer returned no rewards"),
			contains: []string{"scorer returned no rewards"},
		},
		{
			name: "Wrapped error with fields",
			err: WithFields(Wrap(
				stderrors.New("connection refused"),
				CollectiveFailed,
				"gathering rewards",
			), Fields{"rank": 1}),
			contains: []string{
				"gathering rewards",
				"connection refused",
				"rank=1",
			},
		},
		{
			name: "Multiple wraps",
			err: Wrap(
				Wrap(
					stderrors.New("root cause"),
					ResourceNotFound,
					"no checkpoints under root",
				),
				ConfigurationError,
				"resume failed",
			),
			contains: []string{
				"resume failed",
				"no checkpoints under root",
				"root cause",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errString := tt.err.Error()
			for _, str := range tt.contains {
				assert.Contains(t, errString, str,
					"Error string should contain expected message")
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, SamplingFailed, CodeOf(New(SamplingFailed, "x")))
	assert.Equal(t, Unknown, CodeOf(stderrors.New("plain")))
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"configuration", New(ConfigurationError, "bad batch sizes"), true},
		{"unsupported algorithm", New(UnsupportedAlgorithm, "ppo2"), true},
		{"invariant", New(InvariantViolation, "no optimizer step"), true},
		{"sampling", New(SamplingFailed, "oom"), false},
		{"plain", stderrors.New("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestCheckContext(t *testing.T) {
	t.Run("live context", func(t *testing.T) {
		assert.NoError(t, CheckContext(context.Background(), "sampling"))
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := CheckContext(ctx, "sampling")
		require.Error(t, err)
		assert.Equal(t, Canceled, CodeOf(err))
		assert.Contains(t, err.Error(), "sampling canceled")
	})
}
