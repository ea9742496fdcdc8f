package httpmiddleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketScopesAreIsolated(t *testing.T) {
	l := NewTokenBucket(1, 1)

	assert.True(t, l.allow(ScopeWebhook+"|10.0.0.1"))
	// Same IP, different scope: separate budget.
	assert.True(t, l.allow(ScopeCheckIn+"|10.0.0.1"))
	// Same scope and IP: bucket drained.
	assert.False(t, l.allow(ScopeWebhook+"|10.0.0.1"))
	// Different IP in the drained scope is unaffected.
	assert.True(t, l.allow(ScopeWebhook+"|10.0.0.2"))
}
