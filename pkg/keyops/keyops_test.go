package keyops

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siros-tee/authcore/pkg/pkix"
)

func TestAESGCMRoundTripFullTag(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	_, _ = rand.Read(key)
	_, _ = rand.Read(nonce)

	enc, err := NewAESGCMEncryptor(key, nonce, 16)
	require.NoError(t, err)
	require.NoError(t, enc.UpdateAAD([]byte("aad")))
	_, err = enc.Update([]byte("hello world"))
	require.NoError(t, err)
	ciphertext, err := enc.Finish()
	require.NoError(t, err)

	dec, err := NewAESGCMDecryptor(key, nonce, 16)
	require.NoError(t, err)
	require.NoError(t, dec.UpdateAAD([]byte("aad")))
	_, err = dec.Update(ciphertext)
	require.NoError(t, err)
	plain, err := dec.Finish()
	require.NoError(t, err)
	require.Equal(t, "hello world", string(plain))
}

func TestAESGCMTruncatedTagRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	nonce := make([]byte, 12)
	_, _ = rand.Read(key)
	_, _ = rand.Read(nonce)

	enc, err := NewAESGCMEncryptor(key, nonce, 12)
	require.NoError(t, err)
	_, _ = enc.Update([]byte("short"))
	ciphertext, err := enc.Finish()
	require.NoError(t, err)
	require.Len(t, ciphertext, len("short")+12)

	dec, err := NewAESGCMDecryptor(key, nonce, 12)
	require.NoError(t, err)
	_, _ = dec.Update(ciphertext)
	plain, err := dec.Finish()
	require.NoError(t, err)
	require.Equal(t, "short", string(plain))
}

func TestAESGCMRejectsBadTagLen(t *testing.T) {
	key := make([]byte, 16)
	nonce := make([]byte, 12)
	_, err := NewAESGCMEncryptor(key, nonce, 11)
	require.Error(t, err)
	_, err = NewAESGCMEncryptor(key, nonce, 17)
	require.Error(t, err)
}

func TestAESGCMDetectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 16)
	nonce := make([]byte, 12)
	_, _ = rand.Read(key)
	_, _ = rand.Read(nonce)

	enc, _ := NewAESGCMEncryptor(key, nonce, 16)
	_, _ = enc.Update([]byte("payload"))
	ciphertext, _ := enc.Finish()
	ciphertext[0] ^= 0xff

	dec, _ := NewAESGCMDecryptor(key, nonce, 16)
	_, _ = dec.Update(ciphertext)
	_, err := dec.Finish()
	require.Error(t, err)
}

func TestEd25519SignOperationRejectsOverCap(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	op := NewEd25519SignOperation(priv)
	require.NoError(t, op.Update(bytes.Repeat([]byte{1}, ed25519MaxInputSize)))
	require.Error(t, op.Update([]byte{1}))

	sig, err := op.Finish()
	require.NoError(t, err)
	require.True(t, ed25519.Verify(priv.Public().(ed25519.PublicKey), bytes.Repeat([]byte{1}, ed25519MaxInputSize), sig))
}

func TestECUndigestedSignTruncatesToCoordLen(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	op, err := NewECUndigestedSignOperation(priv)
	require.NoError(t, err)
	require.NoError(t, op.Update(bytes.Repeat([]byte{7}, 100)))
	sig, err := op.Finish()
	require.NoError(t, err)
	require.Len(t, sig, 64)

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	truncated := bytes.Repeat([]byte{7}, 100)[:32]
	require.True(t, ecdsa.Verify(&priv.PublicKey, truncated, r, s))
}

func TestNISTAgreementRejectsCrossCurve(t *testing.T) {
	localPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	peerPriv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	peerSPKI, err := pkix.SubjectPublicKeyInfoDER(&peerPriv.PublicKey)
	require.NoError(t, err)

	op := NewNISTAgreementOperation(localPriv)
	require.NoError(t, op.Update(peerSPKI))
	_, err = op.Finish()
	require.Error(t, err)
}

func TestBlockCipherAESCBCRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	_, _ = rand.Read(key)
	_, _ = rand.Read(iv)
	plain := bytes.Repeat([]byte{0x42}, 48)

	enc, err := NewBlockCipherOperation(BlockCipherAES, key, iv, BlockCipherModeCBC, CipherEncrypt)
	require.NoError(t, err)
	out1, err := enc.Update(plain[:16])
	require.NoError(t, err)
	out2, err := enc.Update(plain[16:])
	require.NoError(t, err)
	out3, err := enc.Finish()
	require.NoError(t, err)
	ciphertext := append(append(out1, out2...), out3...)
	require.Len(t, ciphertext, len(plain))

	dec, err := NewBlockCipherOperation(BlockCipherAES, key, iv, BlockCipherModeCBC, CipherDecrypt)
	require.NoError(t, err)
	d1, err := dec.Update(ciphertext)
	require.NoError(t, err)
	d2, err := dec.Finish()
	require.NoError(t, err)
	require.Equal(t, plain, append(d1, d2...))
}

func TestBlockCipherTripleDESECBRoundTrip(t *testing.T) {
	key := make([]byte, 24)
	_, _ = rand.Read(key)
	plain := bytes.Repeat([]byte{0x7}, 16)

	enc, err := NewBlockCipherOperation(BlockCipherTripleDES, key, nil, BlockCipherModeECB, CipherEncrypt)
	require.NoError(t, err)
	ciphertext, err := enc.Update(plain)
	require.NoError(t, err)
	tail, err := enc.Finish()
	require.NoError(t, err)
	ciphertext = append(ciphertext, tail...)
	require.Len(t, ciphertext, len(plain))

	dec, err := NewBlockCipherOperation(BlockCipherTripleDES, key, nil, BlockCipherModeECB, CipherDecrypt)
	require.NoError(t, err)
	got, err := dec.Update(ciphertext)
	require.NoError(t, err)
	gotTail, err := dec.Finish()
	require.NoError(t, err)
	require.Equal(t, plain, append(got, gotTail...))
}

func TestBlockCipherRejectsMisalignedFinish(t *testing.T) {
	key := make([]byte, 16)
	_, _ = rand.Read(key)

	op, err := NewBlockCipherOperation(BlockCipherAES, key, nil, BlockCipherModeECB, CipherEncrypt)
	require.NoError(t, err)
	_, err = op.Update(bytes.Repeat([]byte{1}, 5))
	require.NoError(t, err)
	_, err = op.Finish()
	require.Error(t, err)
}

func TestBlockCipherCBCRejectsBadIVLength(t *testing.T) {
	key := make([]byte, 16)
	_, _ = rand.Read(key)
	_, err := NewBlockCipherOperation(BlockCipherAES, key, make([]byte, 15), BlockCipherModeCBC, CipherEncrypt)
	require.Error(t, err)
}

func TestNISTAgreementSharedSecretMatches(t *testing.T) {
	localPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	peerPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	localSPKI, err := pkix.SubjectPublicKeyInfoDER(&localPriv.PublicKey)
	require.NoError(t, err)
	peerSPKI, err := pkix.SubjectPublicKeyInfoDER(&peerPriv.PublicKey)
	require.NoError(t, err)

	opA := NewNISTAgreementOperation(localPriv)
	require.NoError(t, opA.Update(peerSPKI))
	sharedA, err := opA.Finish()
	require.NoError(t, err)

	opB := NewNISTAgreementOperation(peerPriv)
	require.NoError(t, opB.Update(localSPKI))
	sharedB, err := opB.Finish()
	require.NoError(t, err)

	require.Equal(t, sharedA, sharedB)
}
