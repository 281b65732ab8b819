// Package fcm talks to the Firebase Cloud Messaging HTTP v1 API: a
// credential provider that trades a service-account key for a short-lived
// OAuth2 bearer token, and a per-token send client.
package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	oauthTokenURL  = "https://oauth2.googleapis.com/token"
	messagingScope = "https://www.googleapis.com/auth/firebase.messaging"
)

// ErrAuth marks credential and token-exchange failures. Jobs hitting it are
// marked failed but stay retriable on the next pass.
var ErrAuth = errors.New("gateway authentication failed")

// ServiceAccount is the subset of a Google service-account JSON key needed
// for the JWT-bearer exchange.
type ServiceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	ProjectID   string `json:"project_id"`
}

// ParseServiceAccount decodes and validates a service-account JSON key.
func ParseServiceAccount(raw []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("%w: invalid service account JSON: %v", ErrAuth, err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("%w: service account JSON missing client_email or private_key", ErrAuth)
	}
	return &sa, nil
}

// CredentialProvider exchanges a service-account credential for a bearer
// token at the Google OAuth2 token endpoint. Stateless: callers cache the
// token for the duration of one processing pass.
type CredentialProvider struct {
	tokenURL   string
	httpClient *http.Client
}

// NewCredentialProvider creates a provider against the Google token endpoint.
func NewCredentialProvider() *CredentialProvider {
	return &CredentialProvider{
		tokenURL:   oauthTokenURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// AccessToken builds an RS256-signed assertion (issuer, messaging scope,
// audience, one-hour expiry) and exchanges it for an access token.
func (p *CredentialProvider) AccessToken(ctx context.Context, sa *ServiceAccount) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("%w: parse private key: %v", ErrAuth, err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"scope": messagingScope,
		"aud":   p.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: sign assertion: %v", ErrAuth, err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token exchange: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	var tok struct {
		AccessToken      string `json:"access_token"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", ErrAuth, err)
	}
	if tok.AccessToken == "" {
		desc := tok.ErrorDescription
		if desc == "" {
			desc = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("%w: no access token: %s", ErrAuth, desc)
	}
	return tok.AccessToken, nil
}

// Credentials binds a provider to one parsed service account so callers can
// fetch tokens without carrying the key around.
type Credentials struct {
	provider *CredentialProvider
	account  *ServiceAccount
}

// NewCredentials creates a bound credential source.
func NewCredentials(provider *CredentialProvider, account *ServiceAccount) *Credentials {
	return &Credentials{provider: provider, account: account}
}

func (c *Credentials) AccessToken(ctx context.Context) (string, error) {
	return c.provider.AccessToken(ctx, c.account)
}
