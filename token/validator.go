package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-gateway-auth/identity"
	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/internal/util"
	"github.com/giantswarm/mcp-gateway-auth/providers/oidc"
)

// Validation errors. Every error returned by Validator.Validate wraps one of them.
var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid token issuer")
	ErrInvalidAudience = errors.New("invalid token audience")
	ErrUnknownIssuer   = errors.New("unknown token issuer")
)

// DefaultLeeway is the clock skew tolerated on exp, nbf and iat.
const DefaultLeeway = 30 * time.Second

var allowedAlgorithms = []string{"RS256", "RS384", "RS512"}

// Federation is the part of the IdP federation manager the validator needs.
type Federation interface {
	// Audience returns the expected audience for issuer and whether the
	// issuer is configured at all.
	Audience(issuer string) (string, bool)
	GetPublicKey(ctx context.Context, issuer, keyID string) (*oidc.ResolvedKey, error)
	ExtractClaims(issuer string, claims *identity.Claims) *identity.Claims
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// BuiltinIssuer and BuiltinAudience identify tokens minted by Keys.
	BuiltinIssuer   string
	BuiltinAudience string
	Keys            *KeyManager

	// Federation resolves keys for every other issuer. May be nil when only
	// built-in tokens are accepted.
	Federation Federation

	// Leeway is the tolerated clock skew. Nil means DefaultLeeway; a zero
	// value disables skew tolerance.
	Leeway          *time.Duration
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Validator validates bearer tokens.
type Validator struct {
	builtinIssuer   string
	builtinAudience string
	keys            *KeyManager
	federation      Federation
	leeway          time.Duration
	now             func() time.Time
	logger          *slog.Logger
	metrics         *instrumentation.Metrics
	tracer          trace.Tracer
}

// NewValidator creates a token validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	leeway := DefaultLeeway
	if cfg.Leeway != nil {
		leeway = max(*cfg.Leeway, 0)
	}
	return &Validator{
		builtinIssuer:   util.NormalizeURL(cfg.BuiltinIssuer),
		builtinAudience: cfg.BuiltinAudience,
		keys:            cfg.Keys,
		federation:      cfg.Federation,
		leeway:          leeway,
		now:             time.Now,
		logger:          logger,
		metrics:         cfg.Instrumentation.Metrics(),
		tracer:          cfg.Instrumentation.Tracer("token"),
	}
}

// SetClock replaces the clock used for expiry checks.
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

// Validate verifies raw and returns its claims. Claims of federated tokens
// have already passed through the provider's claim transforms.
func (v *Validator) Validate(ctx context.Context, raw string) (*identity.Claims, error) {
	ctx, span := v.tracer.Start(ctx, "token.validate")
	defer span.End()

	claims, kind, err := v.validate(ctx, raw)
	if err != nil {
		instrumentation.RecordError(span, err)
		v.metrics.RecordTokenValidation(ctx, kind, instrumentation.ResultFailure)
		return nil, err
	}

	instrumentation.AddOAuthFlowAttributes(span, "", claims.Subject, "")
	instrumentation.SetSpanSuccess(span)
	v.metrics.RecordTokenValidation(ctx, kind, instrumentation.ResultSuccess)
	return claims, nil
}

func (v *Validator) validate(ctx context.Context, raw string) (*identity.Claims, string, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, "", fmt.Errorf("%w: malformed token: %w", ErrInvalidToken, err)
	}

	issuer, err := unverified.Claims.GetIssuer()
	if err != nil || issuer == "" {
		return nil, "", fmt.Errorf("%w: missing iss claim", ErrInvalidIssuer)
	}
	kid, _ := unverified.Header["kid"].(string)

	var (
		key      *rsa.PublicKey
		audience string
		kind     string
	)

	if v.keys != nil && util.NormalizeURL(issuer) == v.builtinIssuer {
		kind = instrumentation.IssuerKindBuiltin
		if kid != "" && kid != v.keys.KeyID() {
			return nil, kind, fmt.Errorf("%w: unknown key id %q", ErrInvalidToken, kid)
		}
		key = v.keys.PublicKey()
		audience = v.builtinAudience
	} else {
		kind = instrumentation.IssuerKindFederated
		if v.federation == nil {
			return nil, kind, fmt.Errorf("%w: no IdP configured for issuer %s", ErrUnknownIssuer, issuer)
		}
		aud, ok := v.federation.Audience(issuer)
		if !ok {
			return nil, kind, fmt.Errorf("%w: no IdP configured for issuer %s", ErrUnknownIssuer, issuer)
		}
		resolved, err := v.federation.GetPublicKey(ctx, issuer, kid)
		if err != nil {
			return nil, kind, fmt.Errorf("%w: failed to resolve signing key: %w", ErrInvalidToken, err)
		}
		key = resolved.PublicKey
		audience = aud
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(allowedAlgorithms),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	mapClaims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, mapClaims, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, kind, classifyJWTError(err)
	}

	claims := identity.ClaimsFromMap(mapClaims)
	if kind == instrumentation.IssuerKindFederated {
		claims = v.federation.ExtractClaims(issuer, claims)
	}

	v.logger.Debug("Token validated",
		"issuer", issuer,
		"issuer_kind", kind,
		"subject", claims.Subject)
	return claims, kind, nil
}

// classifyJWTError maps golang-jwt errors onto the package sentinels.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %w", ErrInvalidAudience, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %w", ErrInvalidIssuer, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
}
