package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKey builds a deterministic P-256 keypair from a fixed scalar
// (NOT FOR PRODUCTION USE).
func testKey(t *testing.T, seed byte) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	d := make([]byte, 32)
	for i := range d {
		d[i] = seed + byte(i) + 1
	}
	curve := elliptic.P256()
	priv := &ecdsa.PrivateKey{D: new(big.Int).SetBytes(d)}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(d)

	raw := make([]byte, PubKeyLen)
	priv.X.FillBytes(raw[:32])
	priv.Y.FillBytes(raw[32:])
	return priv, raw
}

// sign produces a raw 64-byte r || s signature over message.
func sign(t *testing.T, priv *ecdsa.PrivateKey, message []byte) []byte {
	t.Helper()
	hash := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	require.NoError(t, err)
	sig := make([]byte, SignatureLen)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig
}

func TestVerifySignature(t *testing.T) {
	priv, pub := testKey(t, 0)
	message := []byte("hello quantum world")
	sig := sign(t, priv, message)

	t.Run("valid", func(t *testing.T) {
		ok, err := VerifySignature(pub, message, sig)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong message", func(t *testing.T) {
		ok, err := VerifySignature(pub, []byte("wrong message"), sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, otherPub := testKey(t, 0xA0)
		ok, err := VerifySignature(otherPub, message, sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("every single-bit flip in the signature fails", func(t *testing.T) {
		for _, bit := range []int{0, 7, 200, 511} {
			bad := make([]byte, len(sig))
			copy(bad, sig)
			bad[bit/8] ^= 1 << (bit % 8)
			ok, err := VerifySignature(pub, message, bad)
			require.NoError(t, err)
			assert.False(t, ok, "flipped bit %d", bit)
		}
	})

	t.Run("single-bit flip in the data fails", func(t *testing.T) {
		bad := []byte("hello quantum worlD")
		ok, err := VerifySignature(pub, bad, sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("key not on curve fails closed", func(t *testing.T) {
		junk := make([]byte, PubKeyLen)
		for i := range junk {
			junk[i] = 0x42
		}
		ok, err := VerifySignature(junk, message, sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("bad lengths", func(t *testing.T) {
		_, err := VerifySignature(make([]byte, 32), message, sig)
		assert.ErrorIs(t, err, ErrInvalidKeyEncoding)
		_, err = VerifySignature(pub, message, make([]byte, 32))
		assert.ErrorIs(t, err, ErrInvalidKeyEncoding)
	})
}

func TestVerifyCertificate(t *testing.T) {
	caPriv, caPub := testKey(t, 0x10)
	_, devPub := testKey(t, 0x20)

	const (
		hwMajor   = 1
		hwMinor   = 1
		serialInt = 217
	)
	cert := sign(t, caPriv, BuildCertificateData(hwMajor, hwMinor, serialInt, devPub))

	t.Run("known-good tuple", func(t *testing.T) {
		ok, err := VerifyCertificate(caPub, devPub, cert, hwMajor, hwMinor, serialInt)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong serial", func(t *testing.T) {
		ok, err := VerifyCertificate(caPub, devPub, cert, hwMajor, hwMinor, 999)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong hardware version", func(t *testing.T) {
		ok, err := VerifyCertificate(caPub, devPub, cert, 2, hwMinor, serialInt)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("corrupted certificate byte", func(t *testing.T) {
		bad := make([]byte, len(cert))
		copy(bad, cert)
		bad[17] ^= 0x01
		ok, err := VerifyCertificate(caPub, devPub, bad, hwMajor, hwMinor, serialInt)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("corrupted device key byte", func(t *testing.T) {
		bad := make([]byte, len(devPub))
		copy(bad, devPub)
		bad[0] ^= 0x01
		ok, err := VerifyCertificate(caPub, bad, cert, hwMajor, hwMinor, serialInt)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("bad lengths", func(t *testing.T) {
		_, err := VerifyCertificate(make([]byte, 32), devPub, cert, 1, 1, 1)
		assert.ErrorIs(t, err, ErrInvalidKeyEncoding)
		_, err = VerifyCertificate(caPub, make([]byte, 32), cert, 1, 1, 1)
		assert.ErrorIs(t, err, ErrInvalidKeyEncoding)
		_, err = VerifyCertificate(caPub, devPub, make([]byte, 32), 1, 1, 1)
		assert.ErrorIs(t, err, ErrInvalidKeyEncoding)
	})
}

func TestBuildCertificateData(t *testing.T) {
	pub := make([]byte, PubKeyLen)
	for i := range pub {
		pub[i] = byte(i)
	}
	data := BuildCertificateData(1, 2, 217, pub)
	require.Len(t, data, 8+PubKeyLen)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x02, 0xD9, 0x00, 0x00, 0x00}, data[:8])
	assert.Equal(t, pub, data[8:])
}

func TestParseHWVersion(t *testing.T) {
	major, minor, err := ParseHWVersion("CICADA-QRNG-1.1")
	require.NoError(t, err)
	assert.Equal(t, uint8(1), major)
	assert.Equal(t, uint8(1), minor)

	major, minor, err = ParseHWVersion("CICADA-QRNG-2.10")
	require.NoError(t, err)
	assert.Equal(t, uint8(2), major)
	assert.Equal(t, uint8(10), minor)

	for _, bad := range []string{"", "QRNG-1.1", "CICADA-QRNG-", "CICADA-QRNG-1", "CICADA-QRNG-x.y"} {
		_, _, err := ParseHWVersion(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseSerialInt(t *testing.T) {
	n, err := ParseSerialInt("QC0000000217")
	require.NoError(t, err)
	assert.Equal(t, uint32(217), n)

	for _, bad := range []string{"", "0000000217", "QC", "QCx"} {
		_, err := ParseSerialInt(bad)
		assert.Error(t, err, "input %q", bad)
	}
}
