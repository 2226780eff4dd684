// Package auth proves which owner address sent an API request
package auth

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/types"
)

// Request headers
const (
	HeaderOwner     = "X-Owner-Address"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderUserID    = "X-User-ID"
)

const maxSignedBody = 1 << 20

// Verifier resolves the proven owner of a request
type Verifier interface {
	// Verify returns the caller's normalized owner address
	Verify(r *http.Request) (string, error)
}

// NewVerifier returns the verifier for mode
func NewVerifier(mode types.AuthMode, maxSkew time.Duration) (Verifier, error) {
	switch mode {
	case types.AuthSignature:
		return NewSignatureVerifier(maxSkew), nil
	case types.AuthHeader:
		return HeaderVerifier{}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

// NormalizeOwner validates a hex address and returns its lowercase form
func NormalizeOwner(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", apperrors.NewUnauthorizedError("owner must be a 20 byte hex address")
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// SignatureVerifier accepts requests signed by the owner key with an
// EIP-191 personal message over the method, path, timestamp and body hash.
type SignatureVerifier struct {
	maxSkew time.Duration
	now     func() time.Time
}

// NewSignatureVerifier creates a verifier that rejects timestamps further than maxSkew from now
func NewSignatureVerifier(maxSkew time.Duration) *SignatureVerifier {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &SignatureVerifier{maxSkew: maxSkew, now: time.Now}
}

// Verify checks the signature headers and returns the recovered owner
func (v *SignatureVerifier) Verify(r *http.Request) (string, error) {
	claimed := r.Header.Get(HeaderOwner)
	signature := r.Header.Get(HeaderSignature)
	timestamp := r.Header.Get(HeaderTimestamp)
	if claimed == "" || signature == "" || timestamp == "" {
		return "", apperrors.NewUnauthorizedError("missing signature headers")
	}

	owner, err := NormalizeOwner(claimed)
	if err != nil {
		return "", err
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", apperrors.NewUnauthorizedError("timestamp must be unix seconds")
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < -v.maxSkew || skew > v.maxSkew {
		return "", apperrors.NewUnauthorizedError("request timestamp outside accepted window")
	}

	body, err := readBody(r)
	if err != nil {
		return "", apperrors.NewUnauthorizedError("unreadable request body")
	}

	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", apperrors.NewUnauthorizedError("signature must be 65 hex encoded bytes")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	hash := accounts.TextHash(SigningMessage(r.Method, r.URL.Path, ts, body))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", apperrors.NewUnauthorizedError("signature does not recover a key")
	}

	recovered := strings.ToLower(crypto.PubkeyToAddress(*pub).Hex())
	if recovered != owner {
		return "", apperrors.NewUnauthorizedError("signature was not made by the claimed owner")
	}
	return owner, nil
}

// SigningMessage is the personal message a client signs for one request
func SigningMessage(method, path string, timestamp int64, body []byte) []byte {
	return []byte(fmt.Sprintf("portfolio-rebalancer\n%s %s\n%d\n%s",
		strings.ToUpper(method), path, timestamp, crypto.Keccak256Hash(body).Hex()))
}

// Sign produces the X-Signature value for a request, with v in {27, 28}
func Sign(key *ecdsa.PrivateKey, method, path string, timestamp int64, body []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(SigningMessage(method, path, timestamp, body)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// readBody reads the body and puts it back for the handler
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// HeaderVerifier trusts the X-User-ID header. Only for local development.
type HeaderVerifier struct{}

// Verify returns the header value as the owner
func (HeaderVerifier) Verify(r *http.Request) (string, error) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		return "", apperrors.NewUnauthorizedError("missing " + HeaderUserID + " header")
	}
	return NormalizeOwner(userID)
}
