// ABOUTME: SSH public key authentication for session clients
// ABOUTME: Verifies signatures over timestamp|nonce with replay protection and an optional key allowlist

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// SSHAuthMaxAge bounds how old a signed challenge may be.
	SSHAuthMaxAge = 5 * time.Minute

	// SSHNonceCacheSize caps remembered nonces.
	SSHNonceCacheSize = 10000

	sshClockSkew = time.Minute
)

// Errors returned by SSHVerifier.Verify.
var (
	ErrUnknownKey    = errors.New("public key not authorized")
	ErrStaleProof    = errors.New("ssh proof timestamp out of range")
	ErrReplayedProof = errors.New("ssh proof nonce already used")
	ErrBadSignature  = errors.New("ssh signature invalid")
)

// SSHAuthRequest is the proof a client sends instead of a token.
type SSHAuthRequest struct {
	Pubkey    string // authorized_keys line, e.g. "ssh-ed25519 AAAA..."
	Signature string // base64 of the wire-format ssh.Signature
	Timestamp int64  // unix seconds
	Nonce     string
}

// SSHVerifier checks SSH proofs. With no authorized keys any valid key is accepted.
type SSHVerifier struct {
	maxAge time.Duration
	nonces *nonceCache
	now    func() time.Time

	mu         sync.RWMutex
	authorized map[string]struct{}
}

func NewSSHVerifier() *SSHVerifier {
	return &SSHVerifier{
		maxAge:     SSHAuthMaxAge,
		nonces:     newNonceCache(SSHAuthMaxAge, SSHNonceCacheSize),
		now:        time.Now,
		authorized: make(map[string]struct{}),
	}
}

// Authorize restricts verification to the given authorized_keys lines.
// Nothing is added if any line fails to parse.
func (v *SSHVerifier) Authorize(pubkeys ...string) error {
	fps := make([]string, 0, len(pubkeys))
	for i, k := range pubkeys {
		fp, err := ParseFingerprintFromKey(k)
		if err != nil {
			return fmt.Errorf("authorized key %d: %w", i, err)
		}
		fps = append(fps, fp)
	}

	v.mu.Lock()
	for _, fp := range fps {
		v.authorized[fp] = struct{}{}
	}
	v.mu.Unlock()
	return nil
}

// Restricted reports whether an allowlist is in effect.
func (v *SSHVerifier) Restricted() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.authorized) > 0
}

func (v *SSHVerifier) allowed(fp string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.authorized) == 0 {
		return true
	}
	_, ok := v.authorized[fp]
	return ok
}

func (v *SSHVerifier) Close() {
	if v.nonces != nil {
		v.nonces.close()
	}
}

// Verify checks req and returns the key fingerprint. The nonce is only
// consumed once the signature and allowlist checks pass.
func (v *SSHVerifier) Verify(req *SSHAuthRequest) (string, error) {
	pubkey, err := parsePublicKey(req.Pubkey)
	if err != nil {
		return "", err
	}
	if err := v.checkFresh(req.Timestamp); err != nil {
		return "", err
	}
	if err := verifySignature(pubkey, req); err != nil {
		return "", err
	}

	fp := ComputeFingerprint(pubkey)
	if !v.allowed(fp) {
		return "", ErrUnknownKey
	}
	if v.nonces.checkAndMark(fp + ":" + strconv.FormatInt(req.Timestamp, 10) + ":" + req.Nonce) {
		return "", ErrReplayedProof
	}
	return fp, nil
}

func (v *SSHVerifier) checkFresh(ts int64) error {
	age := v.now().Sub(time.Unix(ts, 0))
	switch {
	case age < -sshClockSkew:
		return fmt.Errorf("%w: %v in the future", ErrStaleProof, -age)
	case age > v.maxAge:
		return fmt.Errorf("%w: age %v exceeds %v", ErrStaleProof, age, v.maxAge)
	}
	return nil
}

func verifySignature(pubkey ssh.PublicKey, req *SSHAuthRequest) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Signature))
	if err != nil {
		return fmt.Errorf("%w: encoding: %v", ErrBadSignature, err)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(raw, &sig); err != nil {
		return fmt.Errorf("%w: format: %v", ErrBadSignature, err)
	}
	if err := pubkey.Verify(challengeMessage(req.Timestamp, req.Nonce), &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

func challengeMessage(ts int64, nonce string) []byte {
	return []byte(strconv.FormatInt(ts, 10) + "|" + nonce)
}

func parsePublicKey(s string) (ssh.PublicKey, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pubkey, nil
}

// ComputeFingerprint returns the lowercase hex SHA256 of the key's wire form.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	sum := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(sum[:])
}

// ParseFingerprintFromKey fingerprints an authorized_keys line.
func ParseFingerprintFromKey(pubkeyStr string) (string, error) {
	pubkey, err := parsePublicKey(pubkeyStr)
	if err != nil {
		return "", err
	}
	return ComputeFingerprint(pubkey), nil
}

// SignChallenge builds the proof a client sends for the given timestamp and nonce.
func SignChallenge(signer ssh.Signer, timestamp int64, nonce string) (*SSHAuthRequest, error) {
	sig, err := signer.Sign(rand.Reader, challengeMessage(timestamp, nonce))
	if err != nil {
		return nil, err
	}
	return &SSHAuthRequest{
		Pubkey:    strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))),
		Signature: base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
		Timestamp: timestamp,
		Nonce:     nonce,
	}, nil
}
