// Package crypto verifies the QCicada certificate chain and signed reads.
//
// The device holds an internal ECDSA P-256 keypair. A Certificate Authority
// signs a blob binding the device's public key to its hardware version and
// serial number; this package verifies that chain:
//
//  1. Certificate verification: the device public key is CA-signed for the
//     claimed hardware identity.
//  2. Signature verification: signed-read data was produced by that device.
//
// Keys are raw 64-byte uncompressed points (x || y) and signatures are raw
// 64-byte (r || s), both big-endian, as the device emits them. All functions
// are pure and deterministic.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

const (
	// PubKeyLen is the raw public key length: 32-byte x || 32-byte y.
	PubKeyLen = 64
	// SignatureLen is the raw signature length: 32-byte r || 32-byte s.
	SignatureLen = 64
	// CertificateLen equals SignatureLen; a certificate is the CA's
	// signature over the device identity blob.
	CertificateLen = SignatureLen
)

// ErrInvalidKeyEncoding reports a key or signature that is not the exact
// raw length the device protocol uses.
var ErrInvalidKeyEncoding = errors.New("invalid key encoding")

// hwInfoPrefix precedes the "major.minor" hardware version in the device's
// hardware info string.
const hwInfoPrefix = "CICADA-QRNG-"

// serialPrefix precedes the zero-padded numeric serial in the device's
// serial string.
const serialPrefix = "QC"

// BuildCertificateData builds the canonical blob the CA signs:
//
//	u16le(0) || u8(hwMajor) || u8(hwMinor) || u32le(serialInt) || pubKey[64]
func BuildCertificateData(hwMajor, hwMinor uint8, serialInt uint32, pubKey []byte) []byte {
	buf := make([]byte, 8, 8+len(pubKey))
	binary.LittleEndian.PutUint16(buf[0:2], 0)
	buf[2] = hwMajor
	buf[3] = hwMinor
	binary.LittleEndian.PutUint32(buf[4:8], serialInt)
	return append(buf, pubKey...)
}

// VerifyCertificate verifies a device certificate against a CA public key.
// The certificate is valid only for the exact (device public key, hardware
// major/minor, serial) tuple; any mismatch fails verification.
//
// It returns ErrInvalidKeyEncoding if either key or the certificate is not
// exactly 64 bytes.
func VerifyCertificate(caPubKey, devicePubKey, certificate []byte, hwMajor, hwMinor uint8, serialInt uint32) (bool, error) {
	if len(caPubKey) != PubKeyLen {
		return false, fmt.Errorf("%w: CA public key must be %d bytes, got %d", ErrInvalidKeyEncoding, PubKeyLen, len(caPubKey))
	}
	if len(devicePubKey) != PubKeyLen {
		return false, fmt.Errorf("%w: device public key must be %d bytes, got %d", ErrInvalidKeyEncoding, PubKeyLen, len(devicePubKey))
	}
	if len(certificate) != CertificateLen {
		return false, fmt.Errorf("%w: certificate must be %d bytes, got %d", ErrInvalidKeyEncoding, CertificateLen, len(certificate))
	}
	message := BuildCertificateData(hwMajor, hwMinor, serialInt, devicePubKey)
	return VerifySignature(caPubKey, message, certificate)
}

// VerifySignature verifies an ECDSA-SHA256 signature over message using a
// raw P-256 public key. A key that is not a point on the curve fails
// verification rather than erroring; only wrong lengths error.
func VerifySignature(pubKey, message, signature []byte) (bool, error) {
	if len(pubKey) != PubKeyLen {
		return false, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKeyEncoding, PubKeyLen, len(pubKey))
	}
	if len(signature) != SignatureLen {
		return false, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidKeyEncoding, SignatureLen, len(signature))
	}

	curve := elliptic.P256()
	x := new(big.Int).SetBytes(pubKey[:32])
	y := new(big.Int).SetBytes(pubKey[32:])
	if !curve.IsOnCurve(x, y) {
		return false, nil
	}
	key := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}

	hash := sha256.Sum256(message)
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])
	return ecdsa.Verify(key, hash[:], r, s), nil
}

// ParseHWVersion extracts (major, minor) from a hardware info string such
// as "CICADA-QRNG-1.1".
func ParseHWVersion(hwInfo string) (major, minor uint8, err error) {
	rest, ok := strings.CutPrefix(hwInfo, hwInfoPrefix)
	if !ok {
		return 0, 0, fmt.Errorf("hardware info %q lacks %q prefix", hwInfo, hwInfoPrefix)
	}
	parts := strings.Split(rest, ".")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("hardware info %q lacks a major.minor version", hwInfo)
	}
	maj, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("hardware major version in %q: %w", hwInfo, err)
	}
	min, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("hardware minor version in %q: %w", hwInfo, err)
	}
	return uint8(maj), uint8(min), nil
}

// ParseSerialInt extracts the numeric serial from a serial string such as
// "QC0000000217" (-> 217).
func ParseSerialInt(serial string) (uint32, error) {
	rest, ok := strings.CutPrefix(serial, serialPrefix)
	if !ok {
		return 0, fmt.Errorf("serial %q lacks %q prefix", serial, serialPrefix)
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("serial %q is not numeric: %w", serial, err)
	}
	return uint32(n), nil
}
