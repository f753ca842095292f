package auth

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewSigner(key)
}

func TestMessage_Format(t *testing.T) {
	msg := Message("post", "/v1/escrows", 1700000000, "n-1", []byte(`{}`))
	want := "escrowd|POST|/v1/escrows|1700000000|n-1|" + crypto.Keccak256Hash([]byte(`{}`)).Hex()
	assert.Equal(t, want, msg)
}

func TestValidNonce(t *testing.T) {
	for _, n := range []string{"a", "0f6e1c2a-91b4-4c4e-8d7a-3b2e1f0a9c8d", "req_42", strings.Repeat("x", 64)} {
		assert.True(t, ValidNonce(n), n)
	}
	for _, n := range []string{"", "a|b", "with space", strings.Repeat("x", 65), "ü"} {
		assert.False(t, ValidNonce(n), n)
	}
}

func TestSignAndRecover(t *testing.T) {
	s := newTestSigner(t)
	body := []byte(`{"seller":"0x01"}`)

	h, err := s.Headers(http.MethodPost, "/v1/escrows", body)
	require.NoError(t, err)

	v := NewVerifier(time.Minute)
	caller, err := v.Verify(http.MethodPost, "/v1/escrows", h, body)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), caller)
	assert.True(t, ValidNonce(h.Get(HeaderNonce)))
}

func TestSigner_FreshNoncePerRequest(t *testing.T) {
	s := newTestSigner(t)
	a, err := s.Headers(http.MethodPost, "/p", nil)
	require.NoError(t, err)
	b, err := s.Headers(http.MethodPost, "/p", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Get(HeaderNonce), b.Get(HeaderNonce))
	assert.NotEqual(t, a.Get(HeaderSignature), b.Get(HeaderSignature))
}

func TestVerify_ReplayRejected(t *testing.T) {
	s := newTestSigner(t)
	body := []byte(`{"seller":"0x01"}`)
	h, err := s.Headers(http.MethodPost, "/v1/escrows", body)
	require.NoError(t, err)

	v := NewVerifier(time.Minute)
	_, err = v.Verify(http.MethodPost, "/v1/escrows", h, body)
	require.NoError(t, err)
	_, err = v.Verify(http.MethodPost, "/v1/escrows", h, body)
	assert.ErrorIs(t, err, ErrReplayed)

	// A fresh nonce from the same signer is accepted.
	h2, err := s.Headers(http.MethodPost, "/v1/escrows", body)
	require.NoError(t, err)
	_, err = v.Verify(http.MethodPost, "/v1/escrows", h2, body)
	assert.NoError(t, err)
}

func TestVerify_NonceIsSigned(t *testing.T) {
	s := newTestSigner(t)
	h, err := s.Headers(http.MethodPost, "/p", nil)
	require.NoError(t, err)
	h.Set(HeaderNonce, "swapped")

	_, err = NewVerifier(time.Minute).Verify(http.MethodPost, "/p", h, nil)
	assert.ErrorIs(t, err, ErrSignerMismatch)
}

func TestVerify_ForgedRequestDoesNotClaimNonce(t *testing.T) {
	s := newTestSigner(t)
	body := []byte(`{"value":"1"}`)
	h, err := s.Headers(http.MethodPost, "/p", body)
	require.NoError(t, err)

	v := NewVerifier(time.Minute)
	_, err = v.Verify(http.MethodPost, "/p", h, []byte(`{"value":"2"}`))
	assert.ErrorIs(t, err, ErrSignerMismatch)
	assert.Equal(t, 0, v.Replay.Len())

	_, err = v.Verify(http.MethodPost, "/p", h, body)
	assert.NoError(t, err)
}

func TestVerify_TamperedBody(t *testing.T) {
	s := newTestSigner(t)
	h, err := s.Headers(http.MethodPost, "/v1/escrows/0x1/deposit", []byte(`{"value":"1"}`))
	require.NoError(t, err)

	_, err = NewVerifier(time.Minute).Verify(http.MethodPost, "/v1/escrows/0x1/deposit", h, []byte(`{"value":"100"}`))
	assert.ErrorIs(t, err, ErrSignerMismatch)
}

func TestVerify_ClaimedAddressMismatch(t *testing.T) {
	s := newTestSigner(t)
	other := newTestSigner(t)
	h, err := s.Headers(http.MethodPost, "/p", nil)
	require.NoError(t, err)
	h.Set(HeaderAddress, other.Address().Hex())

	_, err = NewVerifier(time.Minute).Verify(http.MethodPost, "/p", h, nil)
	assert.ErrorIs(t, err, ErrSignerMismatch)
}

func TestVerify_Stale(t *testing.T) {
	s := newTestSigner(t)
	s.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }
	h, err := s.Headers(http.MethodPost, "/p", nil)
	require.NoError(t, err)

	_, err = NewVerifier(5*time.Minute).Verify(http.MethodPost, "/p", h, nil)
	assert.ErrorIs(t, err, ErrStaleRequest)
}

func TestVerify_HeaderErrors(t *testing.T) {
	v := NewVerifier(time.Minute)

	_, err := v.Verify(http.MethodPost, "/p", http.Header{}, nil)
	assert.ErrorIs(t, err, ErrMissingHeaders)

	h := http.Header{}
	h.Set(HeaderAddress, "0x0000000000000000000000000000000000000001")
	h.Set(HeaderTimestamp, "1")
	h.Set(HeaderSignature, "0x00")
	_, err = v.Verify(http.MethodPost, "/p", h, nil)
	assert.ErrorIs(t, err, ErrMissingHeaders)

	h.Set(HeaderNonce, "n1")
	h.Set(HeaderAddress, "not-an-address")
	_, err = v.Verify(http.MethodPost, "/p", h, nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	h.Set(HeaderAddress, "0x0000000000000000000000000000000000000001")
	h.Set(HeaderTimestamp, "yesterday")
	_, err = v.Verify(http.MethodPost, "/p", h, nil)
	assert.ErrorIs(t, err, ErrInvalidTime)

	h.Set(HeaderTimestamp, "1")
	h.Set(HeaderNonce, "a|b")
	_, err = (&Verifier{}).Verify(http.MethodPost, "/p", h, nil)
	assert.ErrorIs(t, err, ErrInvalidNonce)

	h.Set(HeaderNonce, "n1")
	_, err = (&Verifier{}).Verify(http.MethodPost, "/p", h, nil)
	assert.ErrorIs(t, err, ErrInvalidSig)
}

func TestNewSignerFromHex(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hexutil.Encode(crypto.FromECDSA(key))

	s, err := NewSignerFromHex(hexKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	_, err = NewSignerFromHex("zz")
	assert.ErrorIs(t, err, ErrInvalidKeyValue)
}
