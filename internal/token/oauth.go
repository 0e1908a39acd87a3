package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

var errEmptyToken = errors.New("token endpoint returned no access token")

// OAuth2Renewer refreshes tokens through a standard OAuth2 token endpoint.
type OAuth2Renewer struct {
	Config     *oauth2.Config
	HTTPClient *http.Client
}

// NewOAuth2Renewer builds a renewer for a confidential client.
func NewOAuth2Renewer(clientID, clientSecret, tokenURL string) *OAuth2Renewer {
	return &OAuth2Renewer{Config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}}
}

// Renew forces a refresh-token grant.
func (r *OAuth2Renewer) Renew(ctx context.Context, refreshToken string) (Pair, error) {
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Minute)}
	tok, err := r.Config.TokenSource(ctx, stale).Token()
	if err != nil {
		return Pair{}, fmt.Errorf("refresh grant: %w", err)
	}
	return Pair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}
