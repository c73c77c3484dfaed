package credential

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func genAuthority(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub, priv
}

func TestCredentialIssueVerifyAndValidity(t *testing.T) {
	authorityPub, authorityPriv := genAuthority(t)
	now := time.Unix(1700000000, 0)

	cred, err := Issue([32]byte{9}, map[string]string{"role": "admin"}, authorityPriv, now, time.Hour)
	require.NoError(t, err)

	require.NoError(t, cred.VerifySignature(authorityPub))
	require.NoError(t, cred.CheckValidity(now.Add(30*time.Minute)))

	require.ErrorIs(t, cred.CheckValidity(now.Add(-time.Minute)), ErrNotYetValid)
	require.ErrorIs(t, cred.CheckValidity(now.Add(2*time.Hour)), ErrExpired)
}

func TestCredentialVerifySignatureRejectsWrongAuthority(t *testing.T) {
	_, authorityPriv := genAuthority(t)
	otherPub, _ := genAuthority(t)
	now := time.Unix(1700000000, 0)

	cred, err := Issue([32]byte{9}, map[string]string{"role": "admin"}, authorityPriv, now, time.Hour)
	require.NoError(t, err)

	require.ErrorIs(t, cred.VerifySignature(otherPub), ErrInvalidSignature)
}

func TestCredentialEncodeDecodeRoundTrip(t *testing.T) {
	_, authorityPriv := genAuthority(t)
	now := time.Unix(1700000000, 0)

	cred, err := Issue([32]byte{9}, map[string]string{"role": "admin", "env": "prod"}, authorityPriv, now, time.Hour)
	require.NoError(t, err)

	encoded, err := Encode(cred)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, cred.Subject, decoded.Subject)
	require.Equal(t, cred.Attributes, decoded.Attributes)
	require.Equal(t, cred.Signature, decoded.Signature)
}
