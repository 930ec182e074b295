package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"tunebridge/internal/request"
	"tunebridge/internal/storage"
)

// ProviderConfig describes the OAuth endpoints and client registration
// used for the authorization-code flow.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURI  string
	Scopes       []string
}

// ExchangeClient talks to the provider's token endpoint: code exchange
// on callback, refresh-grant afterwards. All failures come back as
// classified errors.
type ExchangeClient struct {
	conf   *oauth2.Config
	logger zerolog.Logger
}

// NewExchangeClient builds an exchange client for a provider.
func NewExchangeClient(pc ProviderConfig, logger zerolog.Logger) *ExchangeClient {
	return &ExchangeClient{
		conf: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURI,
			Scopes:       dedupeScopes(pc.Scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:  pc.AuthURL,
				TokenURL: pc.TokenURL,
			},
		},
		logger: logger,
	}
}

// AuthCodeURL builds the provider authorization URL carrying the state
// nonce and the S256 PKCE challenge.
func (c *ExchangeClient) AuthCodeURL(state, challenge string) string {
	return c.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange redeems an authorization code, presenting the PKCE verifier
// that matches the challenge sent with the authorization request.
func (c *ExchangeClient) Exchange(ctx context.Context, code, verifier string) (*storage.TokenRecord, error) {
	tok, err := c.conf.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		return nil, classifyTokenEndpointErr(err)
	}
	return recordFromToken(tok, c.conf.Scopes), nil
}

// Refresh redeems a refresh token for a new access token. When the
// provider does not rotate the refresh token, the previous one is
// carried forward so the credential stays usable.
func (c *ExchangeClient) Refresh(ctx context.Context, rec *storage.TokenRecord) (*storage.TokenRecord, error) {
	if rec == nil || rec.RefreshToken == "" {
		return nil, request.AuthRequired("no refresh token available", nil)
	}

	src := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenEndpointErr(err)
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = rec.RefreshToken
	}

	return recordFromToken(tok, rec.Scopes), nil
}

// Scopes returns the deduplicated scope set this client requests.
func (c *ExchangeClient) Scopes() []string {
	return c.conf.Scopes
}

func recordFromToken(tok *oauth2.Token, scopes []string) *storage.TokenRecord {
	return &storage.TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scopes:       scopes,
		ExpiresAt:    tok.Expiry,
	}
}

// classifyTokenEndpointErr maps token-endpoint failures to the error
// taxonomy. An invalid_grant means the refresh token (or code) is dead
// and the user must re-authorize; provider 5xx and network failures
// are worth retrying.
func classifyTokenEndpointErr(err error) *request.Error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return request.Transient("token endpoint unreachable", err)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}

	switch {
	case re.ErrorCode == "invalid_grant" || status == http.StatusUnauthorized:
		return request.AuthRequired("credential rejected by provider", err)
	case status == http.StatusTooManyRequests:
		e := request.Transient("token endpoint rate limited", err)
		e.Kind = request.KindRateLimit
		e.StatusCode = status
		if re.Response != nil {
			e.RetryAfter = retryAfterHeader(re.Response.Header)
		}
		return e
	case status >= 500:
		e := request.Transient("token endpoint error", err)
		e.StatusCode = status
		return e
	default:
		e := &request.Error{Kind: request.KindRequest, Message: "token request rejected", StatusCode: status}
		return e
	}
}

func retryAfterHeader(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v + "s")
	if err != nil {
		return 0
	}
	return d
}

func dedupeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
