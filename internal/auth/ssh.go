// ABOUTME: SSH device key verification for handshake auth blocks
// ABOUTME: Verifies signatures over signedAt|nonce and rejects replayed nonces

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/lurkbot/lurkbot-gateway/internal/dedupe"
	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
)

const (
	// DeviceAuthMaxAge is how old a device signature may be.
	DeviceAuthMaxAge = 5 * time.Minute

	// DeviceAuthMaxSkew tolerates clients whose clock runs ahead.
	DeviceAuthMaxSkew = time.Minute

	// NonceCacheSize bounds the number of remembered nonces.
	NonceCacheSize = 10000
)

// Device signature errors
var (
	ErrInvalidKey       = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleSignature   = errors.New("signature outside validity window")
	ErrReplayedNonce    = errors.New("nonce already used")
)

// SSHVerifier checks device signatures.
type SSHVerifier struct {
	maxAge time.Duration
	nonces *dedupe.Cache
	now    func() time.Time
}

// NewSSHVerifier creates a verifier with nonce replay protection. A nil now
// selects time.Now.
func NewSSHVerifier(now func() time.Time) *SSHVerifier {
	if now == nil {
		now = time.Now
	}
	return &SSHVerifier{
		maxAge: DeviceAuthMaxAge,
		nonces: dedupe.New(DeviceAuthMaxAge+DeviceAuthMaxSkew, NonceCacheSize, dedupe.WithClock(now)),
		now:    now,
	}
}

// Close stops the nonce cache sweeper.
func (v *SSHVerifier) Close() {
	v.nonces.Close()
}

// Verify checks d and returns the key fingerprint.
func (v *SSHVerifier) Verify(d *protocol.DeviceAuth) (string, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(d.PublicKey))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	age := v.now().Sub(time.Unix(d.SignedAt, 0))
	if age < -DeviceAuthMaxSkew || age > v.maxAge {
		return "", fmt.Errorf("%w (age %v)", ErrStaleSignature, age)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(d.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: encoding: %v", ErrInvalidSignature, err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return "", fmt.Errorf("%w: format: %v", ErrInvalidSignature, err)
	}
	if err := pubkey.Verify([]byte(SignedMessage(d.SignedAt, d.Nonce)), sig); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// Keyed by fingerprint so one device cannot burn another's nonce.
	fp := Fingerprint(pubkey)
	if !v.nonces.Claim(fp + ":" + d.Nonce) {
		return "", ErrReplayedNonce
	}
	return fp, nil
}

// SignedMessage is the byte string a device signs.
func SignedMessage(signedAt int64, nonce string) string {
	return fmt.Sprintf("%d|%s", signedAt, nonce)
}

// Fingerprint is the lowercase hex SHA256 of the marshaled key.
func Fingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// FingerprintFromAuthorizedKey parses an authorized_keys line and returns
// its fingerprint. Used to turn configured keys into paired fingerprints.
func FingerprintFromAuthorizedKey(line string) (string, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return Fingerprint(pubkey), nil
}

// SignDevice builds a DeviceAuth with signer. Clients and tests use it.
func SignDevice(signer ssh.Signer, signedAt int64, nonce string) (*protocol.DeviceAuth, error) {
	sig, err := signer.Sign(rand.Reader, []byte(SignedMessage(signedAt, nonce)))
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return &protocol.DeviceAuth{
		PublicKey: string(ssh.MarshalAuthorizedKey(signer.PublicKey())),
		Signature: base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
		SignedAt:  signedAt,
		Nonce:     nonce,
	}, nil
}
