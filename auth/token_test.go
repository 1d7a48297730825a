package auth_test

import (
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgl/produce-engine/auth"
	"github.com/kgl/produce-engine/core"
)

var manager = core.Identity{UserID: "u-mgr", Name: "Grace", Role: core.RoleManager, Branch: core.Maganjo}

func TestIssueVerify_RoundTrip(t *testing.T) {
	iss := auth.NewIssuer("secret", time.Hour)

	token, err := iss.Issue(manager)
	require.NoError(t, err)

	id, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, manager, id)
}

func TestVerify_Expired(t *testing.T) {
	iss := auth.NewIssuer("secret", time.Hour)
	iss.Clock = core.FixedClock(time.Now().Add(-48 * time.Hour))

	token, err := iss.Issue(manager)
	require.NoError(t, err)

	_, err = auth.NewIssuer("secret", time.Hour).Verify(token)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := auth.NewIssuer("secret", time.Hour).Issue(manager)
	require.NoError(t, err)

	_, err = auth.NewIssuer("other", time.Hour).Verify(token)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestVerify_RejectsUnsignedAndGarbage(t *testing.T) {
	iss := auth.NewIssuer("secret", time.Hour)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &auth.JwtCustomClaim{ID: "u", Role: "director"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = iss.Verify(token)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)

	_, err = iss.Verify("not-a-token")
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestIssue_RequiresIdentity(t *testing.T) {
	_, err := auth.NewIssuer("secret", time.Hour).Issue(core.Identity{})
	assert.Error(t, err)
}
