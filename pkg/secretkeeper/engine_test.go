package secretkeeper

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siros-tee/authcore/pkg/cborx"
	"github.com/siros-tee/authcore/pkg/cose"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	identity, err := cose.FromECDSAPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	rootKey := make([]byte, 32)
	_, _ = rand.Read(rootKey)

	e, err := New(nil, rootKey, identity, NewInMemoryStore(), 0)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func TestProcessBootloaderGetIdentityKey(t *testing.T) {
	e := newTestEngine(t)
	mode, err := cborx.Default()
	require.NoError(t, err)

	reqBytes, err := mode.Marshal(BootloaderRequest{Op: BootloaderGetIdentityKey})
	require.NoError(t, err)

	respBytes := e.ProcessBootloader(reqBytes)
	var resp BootloaderResponse
	require.NoError(t, mode.Unmarshal(respBytes, &resp))
	require.True(t, resp.Ok)
	require.NotEmpty(t, resp.IdentityKey)

	wantDER, err := e.identity.Bytes()
	require.NoError(t, err)
	require.Equal(t, wantDER, resp.IdentityKey)
}

func TestProcessBootloaderRejectsUnknownOp(t *testing.T) {
	e := newTestEngine(t)
	mode, err := cborx.Default()
	require.NoError(t, err)

	reqBytes, err := mode.Marshal(BootloaderRequest{Op: BootloaderOpcode(99)})
	require.NoError(t, err)

	respBytes := e.ProcessBootloader(reqBytes)
	var resp BootloaderResponse
	require.NoError(t, mode.Unmarshal(respBytes, &resp))
	require.False(t, resp.Ok)
	require.NotEmpty(t, resp.ErrorCode)
}

func TestProcessBootloaderRejectsMalformedRequest(t *testing.T) {
	e := newTestEngine(t)
	mode, err := cborx.Default()
	require.NoError(t, err)

	respBytes := e.ProcessBootloader([]byte{0xff, 0xff})
	var resp BootloaderResponse
	require.NoError(t, mode.Unmarshal(respBytes, &resp))
	require.False(t, resp.Ok)
	require.NotEmpty(t, resp.ErrorCode)
}
