package serve

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"testing"

	"github.com/keelscm/keel/modules/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestECIS(t *testing.T) {
	privateKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "GenKey error: %v\n", err)
		return
	}
	d := &Decrypter{
		PrivateKey: privateKey,
	}
	sss, err := d.encrypt([]byte("1234567890"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "E error: %v\n", err)
		return
	}
	text := base58.Encode(sss)
	fmt.Fprintf(os.Stderr, "ECIS@%s\n", text)
	raw, err := d.decrypt(base58.Decode(text))
	if err != nil {
		fmt.Fprintf(os.Stderr, "D error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s\n", raw)
}

func newX25519KeyPEM(t *testing.T) string {
	t.Helper()
	privateKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	b, err := x509.MarshalPKCS8PrivateKey(privateKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: b}))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := newX25519KeyPEM(t)
	armored, err := Encrypt(key, "s3cr3t")
	require.NoError(t, err)
	assert.True(t, len(armored) > len(eciesPrefix))

	plain, err := Decrypt(armored, key)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", plain)

	// Unarmored values pass through untouched.
	plain, err = Decrypt("plain-passwd", key)
	require.NoError(t, err)
	assert.Equal(t, "plain-passwd", plain)
}

func TestDatabaseConfigDecrypt(t *testing.T) {
	key := newX25519KeyPEM(t)
	armored, err := Encrypt(key, "db-passwd")
	require.NoError(t, err)

	d := &Database{User: "keel", Passwd: armored}
	d.Decrypt(key)
	assert.Equal(t, "db-passwd", d.Passwd)

	// Without a key the armored value stays put.
	d2 := &Database{Passwd: armored}
	d2.Decrypt("")
	assert.Equal(t, armored, d2.Passwd)
}
