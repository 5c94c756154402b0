package subdomain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBoundaries(t *testing.T) {
	tests := []struct {
		sub     string
		wantErr error
	}{
		{"abc", nil},
		{"ab", ErrTooShort},
		{strings.Repeat("a", 63), nil},
		{strings.Repeat("a", 64), ErrTooLong},
		{"my-app-2", nil},
		{"my--app", ErrBadChars},
		{"-myapp", ErrBadChars},
		{"myapp-", ErrBadChars},
		{"MyApp", ErrBadChars},
		{"my.app", ErrBadChars},
		{"my_app", ErrBadChars},
		{"12345", ErrNumeric},
		{"192-168-1-1", ErrIPLike},
		{"10-0-0-1", ErrIPLike},
		{"a-0-0-1", nil},
		{"app42", nil},
	}
	for _, tt := range tests {
		t.Run(tt.sub, func(t *testing.T) {
			err := Validate(tt.sub)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCheckBlocklist(t *testing.T) {
	blocked := []string{
		"paypal",
		"paypal-login",
		"my-paypal-portal",
		"www",
		"admin",
		"secure-bank",
		"PAYPAL", // folded to lowercase before matching
	}
	for _, sub := range blocked {
		assert.ErrorIs(t, Check(sub), ErrReserved, "expected %q to be blocked", sub)
	}

	allowed := []string{"myapp", "brisk-otter-142", "staging2"}
	for _, sub := range allowed {
		assert.NoError(t, Check(sub), "expected %q to be allowed", sub)
	}
}

func TestGenerate(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		sub := Generate()
		require.NoError(t, Check(sub), "generated %q must pass its own checks", sub)
		parts := strings.Split(sub, "-")
		require.Len(t, parts, 3)
		seen[sub] = true
	}
	// Not a strict guarantee, but 50 draws from ~half a million combinations
	// should not all collide.
	assert.Greater(t, len(seen), 1)
}
