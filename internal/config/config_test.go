package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateJWTSecretRejectsShortSecret(t *testing.T) {
	err := ValidateJWTSecret("too-short")
	require.Error(t, err)
}

func TestValidateJWTSecretRejectsLowEntropySecret(t *testing.T) {
	err := ValidateJWTSecret("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.Error(t, err)
}

func TestValidateJWTSecretAcceptsStrongSecret(t *testing.T) {
	err := ValidateJWTSecret("correct-horse-battery-staple-2026!!")
	require.NoError(t, err)
}

// TestRotateSecretOpensDualKeyWindow exercises the rotation path a real
// deployment takes when WatchSecretRotation notices a changed Vault value:
// the old secret must remain readable as the previous secret so in-flight
// tokens keep validating, and GetAllActiveSecrets must surface both.
func TestRotateSecretOpensDualKeyWindow(t *testing.T) {
	InitializeKeyManager("initial-secret-aaaaaaaaaaaaaaaaaaaa")
	require.Equal(t, "initial-secret-aaaaaaaaaaaaaaaaaaaa", GetCurrentSecret())
	require.Empty(t, GetPreviousSecret())

	err := RotateSecret("rotated-secret-bbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)

	current, previous, hasPrevious := GetAllActiveSecrets()
	require.Equal(t, "rotated-secret-bbbbbbbbbbbbbbbbbbbb", current)
	require.Equal(t, "initial-secret-aaaaaaaaaaaaaaaaaaaa", previous)
	require.True(t, hasPrevious)
}

func TestRotateSecretRejectsWeakReplacement(t *testing.T) {
	InitializeKeyManager("initial-secret-aaaaaaaaaaaaaaaaaaaa")

	err := RotateSecret("weak")
	require.Error(t, err)
	require.Equal(t, "initial-secret-aaaaaaaaaaaaaaaaaaaa", GetCurrentSecret())
}
