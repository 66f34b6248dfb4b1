package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aurapaste/svc/util"
)

func init() {
	util.InitLog("error", false)
}

func TestResolver_EnvFallback(t *testing.T) {
	t.Setenv("GUARD_KEY", "override-from-env")

	r := NewResolver(context.Background())
	val, err := r.Get(context.Background(), GuardKeyName)
	require.NoError(t, err)
	assert.Equal(t, "override-from-env", val)
	assert.Equal(t, "override-from-env", r.GuardKey(context.Background()))
}

func TestResolver_MissingSecret(t *testing.T) {
	r := NewResolver(context.Background())

	_, err := r.Get(context.Background(), "DOES_NOT_EXIST_ANYWHERE")
	assert.ErrorIs(t, err, ErrNotFound)

	// No override configured means the embedded default applies.
	t.Setenv("GUARD_KEY", "")
	assert.Equal(t, "", r.GuardKey(context.Background()))
}
