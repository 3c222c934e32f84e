package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

// Environment names accepted by BILLING_STRIPE_ENV.
const (
	EnvTest = "test"
	EnvLive = "live"
)

var (
	errAPIKeyRequired = errors.New("stripe api key is required")
	errSecretRequired = errors.New("stripe webhook secret is required")
	errUnknownEnv     = fmt.Errorf("stripe environment must be %q or %q", EnvTest, EnvLive)
)

// keyPrefixes lists the secret and restricted key prefixes valid per environment.
var keyPrefixes = map[string][]string{
	EnvTest: {"sk_test_", "rk_test_"},
	EnvLive: {"sk_live_", "rk_live_"},
}

// Client carries the verified Stripe credentials. stripe-go resource packages
// read the process-wide key and backend, both installed by NewClient.
type Client struct {
	env           string
	signingSecret string
}

func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env := cfg.Environment()
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return nil, errUnknownEnv
	}
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errAPIKeyRequired
	}
	if !hasAnyPrefix(key, prefixes) {
		return nil, fmt.Errorf("stripe %s environment needs a key starting with %s", env, strings.Join(prefixes, " or "))
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errSecretRequired
	}

	stripe.Key = key
	retries := cfg.MaxNetworkRetries
	if retries < 0 {
		retries = 0
	}
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(retries),
		LeveledLogger:     sdkLogger{ctx: ctx, logg: logg},
	}))

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"stripe_env":          env,
			"max_network_retries": retries,
		}), "stripe client initialized")
	}
	return &Client{env: env, signingSecret: secret}, nil
}

func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.env
}

// ConstructEvent verifies the Stripe-Signature header against the raw body.
// An error means the payload must not be trusted.
func (c *Client) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if c == nil || c.signingSecret == "" {
		return stripe.Event{}, errSecretRequired
	}
	return webhook.ConstructEventWithOptions(payload, signatureHeader, c.signingSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// sdkLogger forwards stripe-go's own warnings and errors into the service log.
// Debug and info chatter from the SDK is dropped.
type sdkLogger struct {
	ctx  context.Context
	logg *logger.Logger
}

func (l sdkLogger) Debugf(string, ...interface{}) {}

func (l sdkLogger) Infof(string, ...interface{}) {}

func (l sdkLogger) Warnf(format string, v ...interface{}) {
	if l.logg != nil {
		l.logg.Warn(l.logg.WithField(l.ctx, "component", "stripe-go"), fmt.Sprintf(format, v...))
	}
}

func (l sdkLogger) Errorf(format string, v ...interface{}) {
	if l.logg != nil {
		l.logg.Error(l.logg.WithField(l.ctx, "component", "stripe-go"), fmt.Sprintf(format, v...), nil)
	}
}
