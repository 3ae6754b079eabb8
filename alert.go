package fortress

import (
	"context"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Alert is the sensitive payload carried over the verified channel. Only
// FormatSMS output ever leaves the encrypted path in the clear.
type Alert struct {
	Kind       string    `json:"kind"`
	Severity   Severity  `json:"severity"`
	SourceAddr string    `json:"sourceAddr,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// AlertTransport delivers an encrypted alert out of band. Implementations
// must treat the ciphertext as opaque.
type AlertTransport interface {
	Name() string
	Send(ctx context.Context, ciphertext []byte, code string) error
}

// LogTransport is the built-in transport: it logs that an alert went out
// without exposing the payload.
type LogTransport struct {
	Logger *logrus.Logger
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, ciphertext []byte, code string) error {
	ensureLogger(t.Logger).WithFields(logrus.Fields{
		"bytes": len(ciphertext),
		"code":  code,
	}).Info("alert dispatched")
	return nil
}

const verificationCodeLen = 8 // hex characters

// AlertChannel encrypts alert payloads with an AEAD keyed by a persisted
// secret and issues one-time verification codes for out-of-band
// confirmation.
type AlertChannel struct {
	mu        sync.Mutex
	aead      cipher.AEAD
	codeKey   []byte
	pending   map[string]Alert
	consumed  map[string]struct{}
	transport map[string]AlertTransport
	breaker   *gobreaker.CircuitBreaker
	bus       *EventBus
	logger    *logrus.Logger
	ephemeral bool
}

// NewAlertChannel loads the channel key from the provider, generating and
// persisting a fresh one on first use. A failing provider degrades to an
// in-memory-only key: the channel stays operational but encrypted alerts do
// not survive a restart, which is logged as a warning.
func NewAlertChannel(provider KeyProvider, bus *EventBus, logger *logrus.Logger) (*AlertChannel, error) {
	logger = ensureLogger(logger)

	key, ephemeral := loadOrCreateKey(provider, logger)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise alert cipher: %w", err)
	}

	codeKey := make([]byte, 32)
	kdf := hkdf.New(sha256.New, key, nil, []byte("fortress-verification-code"))
	if _, err := io.ReadFull(kdf, codeKey); err != nil {
		return nil, fmt.Errorf("failed to derive code key: %w", err)
	}

	ch := &AlertChannel{
		aead:      aead,
		codeKey:   codeKey,
		pending:   make(map[string]Alert),
		consumed:  make(map[string]struct{}),
		transport: make(map[string]AlertTransport),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "alert-transport",
			Timeout: 30 * time.Second,
		}),
		bus:       bus,
		logger:    logger,
		ephemeral: ephemeral,
	}
	ch.RegisterTransport(&LogTransport{Logger: logger})
	return ch, nil
}

func loadOrCreateKey(provider KeyProvider, logger *logrus.Logger) (key []byte, ephemeral bool) {
	newKey := func() []byte {
		k := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(k); err != nil {
			panic("fortress: crypto/rand unavailable: " + err.Error())
		}
		return k
	}

	if provider == nil {
		logger.Warn("no key provider configured, alert key will not survive restart")
		return newKey(), true
	}

	key, err := provider.Load()
	switch {
	case err == nil && len(key) == chacha20poly1305.KeySize:
		return key, false
	case err == nil:
		logger.WithField("bytes", len(key)).Warn("persisted alert key has wrong size, replacing")
	case !errors.Is(err, ErrKeyNotFound):
		logger.WithError(err).Warn("key provider unavailable, using in-memory alert key")
		return newKey(), true
	}

	key = newKey()
	if err := provider.Save(key); err != nil {
		logger.WithError(err).Warn("failed to persist alert key, continuing with in-memory key")
		return key, true
	}
	return key, false
}

// Ephemeral reports whether the channel is running on a non-persisted key.
func (c *AlertChannel) Ephemeral() bool { return c.ephemeral }

// EncryptAlert seals the alert payload. Output layout: nonce || ciphertext.
func (c *AlertChannel) EncryptAlert(a Alert) ([]byte, error) {
	plaintext, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode alert: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to draw nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptAlert opens a sealed alert; tampering fails authentication.
func (c *AlertChannel) DecryptAlert(ciphertext []byte) (*Alert, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert: %w", err)
	}
	var a Alert
	if err := json.Unmarshal(plaintext, &a); err != nil {
		return nil, fmt.Errorf("failed to decode alert: %w", err)
	}
	return &a, nil
}

// GenerateVerificationCode issues a fixed-length code bound to the alert's
// content. Each code verifies at most once.
func (c *AlertChannel) GenerateVerificationCode(a Alert) (string, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode alert: %w", err)
	}
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to draw code salt: %w", err)
	}
	mac := hmac.New(sha256.New, c.codeKey)
	mac.Write(salt)
	mac.Write(payload)
	code := hex.EncodeToString(mac.Sum(nil))[:verificationCodeLen]

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, used := c.consumed[code]; used {
		// Vanishingly unlikely collision with a spent code; caller retries.
		return "", fmt.Errorf("code collision, retry")
	}
	c.pending[code] = a
	return code, nil
}

// VerifyCode returns the bound alert on the first call and nil on every
// subsequent call with the same code. Consumed codes are remembered, not
// merely expired.
func (c *AlertChannel) VerifyCode(code string) *Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, used := c.consumed[code]; used {
		return nil
	}
	a, ok := c.pending[code]
	if !ok {
		return nil
	}
	delete(c.pending, code)
	c.consumed[code] = struct{}{}
	return &a
}

// FormatSMS renders the out-of-band confirmation message. Hard redaction
// contract: only severity and the verification code appear; source
// addresses, detail text and any other alert field never do.
func (c *AlertChannel) FormatSMS(a Alert, code string) string {
	return fmt.Sprintf("FORTRESS %s ALERT. Reply with code %s to confirm.",
		strings.ToUpper(string(a.Severity)), code)
}

// RegisterTransport adds (or replaces) an outbound transport.
func (c *AlertChannel) RegisterTransport(t AlertTransport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport[t.Name()] = t
}

// Dispatch encrypts the alert, issues its verification code, publishes the
// alert event, and fans out to transports asynchronously behind a circuit
// breaker. A slow or failing transport never blocks the caller.
func (c *AlertChannel) Dispatch(a Alert) (string, error) {
	ciphertext, err := c.EncryptAlert(a)
	if err != nil {
		return "", err
	}
	code, err := c.GenerateVerificationCode(a)
	if err != nil {
		return "", err
	}

	if c.bus != nil {
		c.bus.PublishAlert(AlertEvent{
			Ciphertext: ciphertext,
			Code:       code,
			Severity:   a.Severity,
			At:         time.Now(),
		})
	}

	c.mu.Lock()
	transports := make([]AlertTransport, 0, len(c.transport))
	for _, t := range c.transport {
		transports = append(transports, t)
	}
	c.mu.Unlock()

	for _, t := range transports {
		t := t
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_, err := c.breaker.Execute(func() (any, error) {
				return nil, t.Send(ctx, ciphertext, code)
			})
			if err != nil {
				c.logger.WithError(err).WithField("transport", t.Name()).
					Warn("alert transport failed")
			}
		}()
	}
	return code, nil
}
