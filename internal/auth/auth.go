// Package auth authenticates escrowd callers by signature.
//
// Every mutating request is signed by the caller's Ethereum key:
//
//	X-Escrow-Address:   0x-prefixed address the caller claims
//	X-Escrow-Timestamp: unix seconds
//	X-Escrow-Nonce:     1-64 characters of [A-Za-z0-9_-], unique per request
//	X-Escrow-Signature: 65-byte EIP-191 signature over Message(...)
//
// The recovered signer must equal the claimed address, so the caller identity
// an escrow operation sees can never be chosen by someone else. A signer's
// nonce is accepted once while its timestamp is inside the allowed window.
package auth

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/idgen"
)

const (
	HeaderAddress   = "X-Escrow-Address"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderNonce     = "X-Escrow-Nonce"
	HeaderSignature = "X-Escrow-Signature"

	messagePrefix  = "escrowd"
	maxNonceLength = 64
)

var (
	ErrMissingHeaders  = errors.New("signed request headers required")
	ErrInvalidAddress  = errors.New("invalid caller address")
	ErrInvalidTime     = errors.New("invalid request timestamp")
	ErrInvalidNonce    = errors.New("invalid request nonce")
	ErrStaleRequest    = errors.New("request timestamp outside allowed window")
	ErrInvalidSig      = errors.New("invalid signature")
	ErrSignerMismatch  = errors.New("signature does not match caller address")
	ErrInvalidKeyValue = errors.New("invalid private key")
)

// Message builds the string a caller signs for a request.
// Format: "escrowd|{METHOD}|{path}|{timestamp}|{nonce}|{keccak256(body) hex}"
func Message(method, path string, timestamp int64, nonce string, body []byte) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s|%s",
		messagePrefix,
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		crypto.Keccak256Hash(body).Hex(),
	)
}

// ValidNonce reports whether s can be used as a request nonce.
func ValidNonce(s string) bool {
	if s == "" || len(s) > maxNonceLength {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer of message from a hex-encoded 65-byte
// signature (r[32] + s[32] + v[1]).
func RecoverAddress(message string, signatureHex string) (common.Address, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSig, err)
	}
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: must be 65 bytes, got %d", ErrInvalidSig, len(signature))
	}

	// Ethereum signatures have v = 27 or 28, but Ecrecover expects 0 or 1
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	pubKey, err := crypto.SigToPub(HashMessage(message), signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSig, err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// Verifier checks signed request headers.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
	// Replay rejects reused nonces. Nil disables the check.
	Replay *ReplayGuard
}

// NewVerifier returns a verifier accepting timestamps within maxSkew of now
// and each signer's nonce at most once.
func NewVerifier(maxSkew time.Duration) *Verifier {
	return &Verifier{MaxSkew: maxSkew, Now: time.Now, Replay: NewReplayGuard(DefaultReplayCapacity)}
}

// Verify returns the authenticated caller for a request with the given
// headers and body.
func (v *Verifier) Verify(method, path string, h http.Header, body []byte) (common.Address, error) {
	addrHex := h.Get(HeaderAddress)
	tsRaw := h.Get(HeaderTimestamp)
	nonce := h.Get(HeaderNonce)
	sig := h.Get(HeaderSignature)
	if addrHex == "" || tsRaw == "" || nonce == "" || sig == "" {
		return common.Address{}, ErrMissingHeaders
	}
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, ErrInvalidAddress
	}
	claimed := common.HexToAddress(addrHex)

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return common.Address{}, ErrInvalidTime
	}
	if !ValidNonce(nonce) {
		return common.Address{}, ErrInvalidNonce
	}
	if v.MaxSkew > 0 {
		skew := v.Now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.MaxSkew {
			return common.Address{}, ErrStaleRequest
		}
	}

	signer, err := RecoverAddress(Message(method, path, ts, nonce, body), sig)
	if err != nil {
		return common.Address{}, err
	}
	if signer != claimed {
		return common.Address{}, ErrSignerMismatch
	}

	// Only verified requests may claim a nonce, so forged traffic cannot
	// burn another signer's nonces.
	if v.Replay != nil {
		if err := v.Replay.Claim(replayKey(signer, nonce), v.replayExpiry(ts), v.Now()); err != nil {
			return common.Address{}, err
		}
	}
	return signer, nil
}

func replayKey(signer common.Address, nonce string) string {
	return strings.ToLower(signer.Hex()) + "|" + nonce
}

// replayExpiry is when a request stamped ts stops passing the skew check.
func (v *Verifier) replayExpiry(ts int64) time.Time {
	if v.MaxSkew > 0 {
		return time.Unix(ts, 0).Add(v.MaxSkew + time.Second)
	}
	return v.Now().Add(DefaultReplayWindow)
}

// Signer produces signed request headers from a private key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	now     func() time.Time
}

// NewSigner wraps an ECDSA key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey), now: time.Now}
}

// NewSignerFromHex parses a hex private key, with or without 0x.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyValue, err)
	}
	return NewSigner(key), nil
}

// Address is the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Headers returns the auth headers for a request, under a fresh nonce.
func (s *Signer) Headers(method, path string, body []byte) (http.Header, error) {
	ts := s.now().Unix()
	nonce := idgen.New()
	sig, err := crypto.Sign(HashMessage(Message(method, path, ts, nonce, body)), s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27

	h := make(http.Header)
	h.Set(HeaderAddress, s.address.Hex())
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderNonce, nonce)
	h.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return h, nil
}

// SignRequest adds auth headers to req, reading and restoring its body.
func (s *Signer) SignRequest(req *http.Request) error {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		_ = req.Body.Close()
		body = b
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	h, err := s.Headers(req.Method, req.URL.Path, body)
	if err != nil {
		return err
	}
	for k, v := range h {
		req.Header[k] = v
	}
	return nil
}
