package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/pkg/clock"
	"teleconsult/pkg/types"
)

const secret = "test-secret-at-least-16"

func TestTokenValidator_IssueAndValidate(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	v := NewTokenValidator(secret, "teleconsult", clk)

	token, err := v.Issue(types.Actor{UserID: "dr-house", Role: types.RolePractitioner}, time.Hour)
	require.NoError(t, err)

	actor, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "dr-house", actor.UserID)
	assert.Equal(t, types.RolePractitioner, actor.Role)
	assert.False(t, actor.System)

	clk.Advance(2 * time.Hour)
	_, err = v.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")
}

func TestTokenValidator_Rejects(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	v := NewTokenValidator(secret, "teleconsult", clk)

	_, err := v.Validate("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = v.Validate("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewTokenValidator("another-secret-of-16+", "teleconsult", clk)
	forged, err := other.Issue(types.Actor{UserID: "eve", Role: types.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	_, err = v.Validate(forged)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong signature")

	foreign := NewTokenValidator(secret, "someone-else", clk)
	wrongIssuer, err := foreign.Issue(types.Actor{UserID: "eve", Role: types.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	_, err = v.Validate(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong issuer")

	badRole, err := v.Issue(types.Actor{UserID: "eve", Role: "ROOT"}, time.Hour)
	require.NoError(t, err)
	_, err = v.Validate(badRole)
	assert.ErrorIs(t, err, ErrInvalidToken, "unknown role")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "eve", Role: "ADMIN"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Validate(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken, "alg none")
}
