// ABOUTME: Handshake authorization combining JWT tokens and paired SSH device keys
// ABOUTME: Maps every denial onto NOT_LINKED or NOT_PAIRED

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
)

// AnonymousPrincipal is the principal of connections allowed without
// credentials.
const AnonymousPrincipal = "anonymous"

// Decision is the outcome of one handshake authorization.
type Decision struct {
	Allowed     bool
	PrincipalID string
	Code        protocol.ErrorCode
	Reason      string
}

// Err returns the refusal as a protocol error, or nil when allowed.
func (d Decision) Err() *protocol.Error {
	if d.Allowed {
		return nil
	}
	return protocol.NewError(d.Code, d.Reason)
}

func allow(principal string) Decision {
	return Decision{Allowed: true, PrincipalID: principal}
}

func deny(code protocol.ErrorCode, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

// Config configures an Authorizer.
type Config struct {
	// JWTSecret enables token credentials when non-empty.
	JWTSecret string
	// PairedKeys are fingerprints or authorized_keys lines of paired devices.
	PairedKeys []string
	// Required rejects handshakes without credentials.
	Required bool
}

// Authorizer checks handshake auth blocks.
type Authorizer struct {
	tokens   *JWTVerifier
	devices  *SSHVerifier
	required bool

	mu     sync.RWMutex
	paired map[string]struct{}

	logger *slog.Logger
}

// NewAuthorizer builds an Authorizer. Invalid paired keys are an error.
func NewAuthorizer(cfg Config, logger *slog.Logger) (*Authorizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authorizer{
		required: cfg.Required,
		devices:  NewSSHVerifier(nil),
		paired:   make(map[string]struct{}),
		logger:   logger.With("component", "auth"),
	}
	if cfg.JWTSecret != "" {
		a.tokens = NewJWTVerifier([]byte(cfg.JWTSecret))
	}
	for _, key := range cfg.PairedKeys {
		if err := a.Pair(key); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Close releases the device verifier.
func (a *Authorizer) Close() {
	a.devices.Close()
}

// Tokens returns the token verifier, or nil when tokens are disabled.
func (a *Authorizer) Tokens() *JWTVerifier { return a.tokens }

// Pair adds a device. key is a hex fingerprint or an authorized_keys line.
func (a *Authorizer) Pair(key string) error {
	fp, err := normalizeKey(key)
	if err != nil {
		return fmt.Errorf("pairing key: %w", err)
	}
	a.mu.Lock()
	a.paired[fp] = struct{}{}
	a.mu.Unlock()
	return nil
}

// Unpair removes a device fingerprint.
func (a *Authorizer) Unpair(fingerprint string) {
	a.mu.Lock()
	delete(a.paired, fingerprint)
	a.mu.Unlock()
}

// IsPaired reports whether fingerprint is paired.
func (a *Authorizer) IsPaired(fingerprint string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.paired[fingerprint]
	return ok
}

// Authorize decides one handshake. A device credential is preferred over a
// token when both are present.
func (a *Authorizer) Authorize(_ context.Context, creds *protocol.ConnectAuth) Decision {
	if creds.Empty() {
		if a.required {
			return deny(protocol.CodeNotLinked, "credentials required")
		}
		return allow(AnonymousPrincipal)
	}

	if creds.Device != nil {
		return a.authorizeDevice(creds.Device)
	}
	return a.authorizeToken(creds.Token)
}

func (a *Authorizer) authorizeToken(token string) Decision {
	if a.tokens == nil {
		return deny(protocol.CodeNotLinked, "token auth not configured")
	}
	claims, err := a.tokens.Verify(token)
	if err != nil {
		a.logger.Debug("token rejected", "error", err)
		if errors.Is(err, ErrExpiredToken) {
			return deny(protocol.CodeNotLinked, "token expired")
		}
		return deny(protocol.CodeNotLinked, "invalid token")
	}
	return allow(claims.Subject)
}

func (a *Authorizer) authorizeDevice(d *protocol.DeviceAuth) Decision {
	fp, err := a.devices.Verify(d)
	if err != nil {
		a.logger.Debug("device signature rejected", "error", err)
		return deny(protocol.CodeNotLinked, "device signature rejected")
	}
	if !a.IsPaired(fp) {
		a.logger.Info("unpaired device", "fingerprint", fp)
		return deny(protocol.CodeNotPaired, "device not paired: "+fp)
	}
	return allow("device:" + fp)
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "ssh-") || strings.HasPrefix(key, "ecdsa-") {
		return FingerprintFromAuthorizedKey(key)
	}
	if len(key) != 64 {
		return "", fmt.Errorf("%w: expected sha256 hex fingerprint", ErrInvalidKey)
	}
	return strings.ToLower(key), nil
}
