package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/lindenhall/conduit/protocol"
)

// JWKSConfig holds configuration for the JWKS-based validator.
type JWKSConfig struct {
	// JWKSURL is the URL of the JSON Web Key Set endpoint. (Required)
	JWKSURL string
	// ExpectedIssuer is the required value for the 'iss' claim. (Optional)
	ExpectedIssuer string
	// ExpectedAudience is the required value for the 'aud' claim. (Optional)
	ExpectedAudience string
	// ClockSkew is the acceptable time difference when validating 'exp' and
	// 'nbf' claims. Defaults to 0.
	ClockSkew time.Duration
	// RefreshInterval defines how often to refresh the JWK set. Defaults to
	// one hour.
	RefreshInterval time.Duration
}

// JWKSTokenValidator implements TokenValidator against a JWKS endpoint.
type JWKSTokenValidator struct {
	config   JWKSConfig
	jwkCache *jwk.Cache
}

// NewJWKSTokenValidator creates a validator, registering the JWKS URL with a
// refreshing cache and performing an initial fetch.
func NewJWKSTokenValidator(config JWKSConfig, client *http.Client) (*JWKSTokenValidator, error) {
	if config.JWKSURL == "" {
		return nil, fmt.Errorf("JWKSURL is required in JWKSConfig")
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = time.Hour
	}
	if client == nil {
		client = http.DefaultClient
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(config.JWKSURL,
		jwk.WithMinRefreshInterval(config.RefreshInterval),
		jwk.WithHTTPClient(client)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL %s with cache: %w", config.JWKSURL, err)
	}
	if _, err := cache.Refresh(context.Background(), config.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch from %s: %w", config.JWKSURL, err)
	}

	return &JWKSTokenValidator{config: config, jwkCache: cache}, nil
}

type jwtPrincipal struct {
	claims jwt.MapClaims
}

func (p *jwtPrincipal) Claims() interface{} { return p.claims }

func (p *jwtPrincipal) Subject() string {
	sub, _ := p.claims.GetSubject()
	return sub
}

func authError(format string, args ...interface{}) *protocol.RPCError {
	return protocol.NewRPCError(protocol.ErrorCodeAuthenticationFailed, fmt.Sprintf(format, args...))
}

// ValidateToken implements TokenValidator.
func (v *JWKSTokenValidator) ValidateToken(ctx context.Context, tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, v.keyFunc)
	if err != nil {
		return nil, authError("invalid token format or signature: %v", err)
	}
	if !token.Valid {
		return nil, authError("token is invalid (expired, inactive, or signature mismatch)")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, authError("invalid token claims format")
	}

	var opts []jwt.ParserOption
	if v.config.ExpectedIssuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.ExpectedIssuer))
	}
	if v.config.ExpectedAudience != "" {
		opts = append(opts, jwt.WithAudience(v.config.ExpectedAudience))
	}
	if v.config.ClockSkew > 0 {
		opts = append(opts, jwt.WithLeeway(v.config.ClockSkew))
	}
	if err := jwt.NewValidator(opts...).Validate(claims); err != nil {
		return nil, authError("token validation failed: %v", err)
	}

	return &jwtPrincipal{claims: claims}, nil
}

// keyFunc fetches the verification key for the token's 'kid' from the JWKS
// cache, refreshing once on a miss in case the key is newly published.
func (v *JWKSTokenValidator) keyFunc(token *jwt.Token) (interface{}, error) {
	keySet, err := v.jwkCache.Get(context.Background(), v.config.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWK set from cache for %s: %w", v.config.JWKSURL, err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("JWT header missing 'kid' field")
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		if _, err := v.jwkCache.Refresh(context.Background(), v.config.JWKSURL); err != nil {
			return nil, fmt.Errorf("key with kid %q not found in JWKS at %s", kid, v.config.JWKSURL)
		}
		keySet, err = v.jwkCache.Get(context.Background(), v.config.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWK set after refresh for %s: %w", v.config.JWKSURL, err)
		}
		if key, found = keySet.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("key with kid %q not found in JWKS at %s (even after refresh)", kid, v.config.JWKSURL)
		}
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("failed to get raw public key material for kid %q: %w", kid, err)
	}
	return rawKey, nil
}

var _ TokenValidator = (*JWKSTokenValidator)(nil)
