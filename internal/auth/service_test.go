package auth_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daap14/tenantdb/internal/auth"
)

const testBcryptCost = 4

func TestGenerateToken(t *testing.T) {
	raw, hash, err := auth.GenerateToken(testBcryptCost)

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "tdb_"))
	assert.NotEqual(t, raw, hash)

	raw2, _, err := auth.GenerateToken(testBcryptCost)
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func TestAuthenticate(t *testing.T) {
	raw, hash, err := auth.GenerateToken(testBcryptCost)
	require.NoError(t, err)
	svc := auth.NewService(hash)

	assert.NoError(t, svc.Authenticate(raw))
	assert.ErrorIs(t, svc.Authenticate(raw+"x"), auth.ErrInvalidToken)
	assert.ErrorIs(t, svc.Authenticate(""), auth.ErrInvalidToken)
}

func TestAuthenticate_EmptyHashRejectsEverything(t *testing.T) {
	svc := auth.NewService("")

	assert.ErrorIs(t, svc.Authenticate("anything"), auth.ErrInvalidToken)
}

func TestBootstrap(t *testing.T) {
	raw, hash, err := auth.GenerateToken(testBcryptCost)
	require.NoError(t, err)

	svc, err := auth.Bootstrap(hash, testBcryptCost)
	require.NoError(t, err)
	assert.NoError(t, svc.Authenticate(raw))

	generated, err := auth.Bootstrap("", testBcryptCost)
	require.NoError(t, err)
	assert.ErrorIs(t, generated.Authenticate(raw), auth.ErrInvalidToken)
}
