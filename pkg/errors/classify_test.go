package errors

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyKnownPatterns(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		code string
	}{
		{"unique violation", `pq: duplicate key value violates unique constraint "assignments_pkey"`, ErrConflict.Code},
		{"foreign key", "pq: update or delete violates foreign key constraint", ErrConflict.Code},
		{"network", "dial tcp 10.0.0.1:5432: connection refused", ErrInternal.Code},
		{"timeout", "context deadline exceeded", ErrInternal.Code},
		{"auth", "invalid token: signature is invalid", ErrUnauthorized.Code},
		{"constraint", "pq: null value violates not null constraint", ErrValidation.Code},
		{"unknown", "some completely novel failure", ErrInternal.Code},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify(tc.raw)
			require.NotNil(t, err)
			require.Equal(t, tc.code, err.Code)
		})
	}
}

func TestClassifyOverlongFallsBack(t *testing.T) {
	raw := strings.Repeat("duplicate key ", 100)
	err := Classify(raw)
	require.NotNil(t, err)
	require.Equal(t, ErrInternal.Code, err.Code)
	require.Equal(t, "something went wrong, please try again", err.Message)
}

func TestClassifyEmpty(t *testing.T) {
	require.Nil(t, Classify(""))
}
