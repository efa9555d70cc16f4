package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/trader/internal/domain"
)

func TestNew_EmptySecret(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v, err := New("test-secret")
	require.NoError(t, err)

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"api key", "PKTEST1234567890"},
		{"api secret", "abcdef0123456789abcdef0123456789abcdef01"},
		{"empty string", ""},
		{"unicode", "clé-secrète-日本"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := v.Encrypt(tc.plaintext)
			require.NoError(t, err)
			assert.NotEmpty(t, payload.IV)
			assert.NotEmpty(t, payload.AuthTag)

			decrypted, err := v.Decrypt(payload)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, decrypted)
		})
	}
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	v, err := New("test-secret")
	require.NoError(t, err)

	p1, err := v.Encrypt("same plaintext")
	require.NoError(t, err)
	p2, err := v.Encrypt("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, p1.IV, p2.IV)
	assert.NotEqual(t, p1.Ciphertext, p2.Ciphertext)
}

func TestDecrypt_WrongKey(t *testing.T) {
	v1, err := New("secret-one")
	require.NoError(t, err)
	v2, err := New("secret-two")
	require.NoError(t, err)

	payload, err := v1.Encrypt("PKTEST1234567890")
	require.NoError(t, err)

	_, err = v2.Decrypt(payload)
	assert.ErrorIs(t, err, domain.ErrDecryptFailure)
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	v, err := New("test-secret")
	require.NoError(t, err)

	payload, err := v.Encrypt("PKTEST1234567890")
	require.NoError(t, err)

	// Flip the first hex digit
	tampered := *payload
	if tampered.Ciphertext[0] == '0' {
		tampered.Ciphertext = "1" + tampered.Ciphertext[1:]
	} else {
		tampered.Ciphertext = "0" + tampered.Ciphertext[1:]
	}

	_, err = v.Decrypt(&tampered)
	assert.ErrorIs(t, err, domain.ErrDecryptFailure)
}

func TestDecrypt_MalformedFields(t *testing.T) {
	v, err := New("test-secret")
	require.NoError(t, err)

	testCases := []struct {
		name    string
		payload EncryptedPayload
	}{
		{"non-hex ciphertext", EncryptedPayload{Ciphertext: "zz", IV: "00", AuthTag: "00"}},
		{"non-hex iv", EncryptedPayload{Ciphertext: "00", IV: "zz", AuthTag: "00"}},
		{"short iv", EncryptedPayload{Ciphertext: "00", IV: "0011", AuthTag: "00"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Decrypt(&tc.payload)
			assert.ErrorIs(t, err, domain.ErrDecryptFailure)
		})
	}
}
