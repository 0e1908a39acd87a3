package common

import (
	"fmt"
	"strings"
	"time"
)

// Credential field names used by the registry's required-field lists.
const (
	FieldAPIKey       = "apiKey"
	FieldAPISecret    = "apiSecret"
	FieldPassphrase   = "passphrase"
	FieldAccountID    = "accountId"
	FieldLogin        = "login"
	FieldPassword     = "password"
	FieldServer       = "server"
	FieldAccessToken  = "accessToken"
	FieldRefreshToken = "refreshToken"
)

// Credentials is the venue-specific secret bundle owned by a user's broker link.
// It is stored encrypted and must never be logged; String redacts every secret.
type Credentials struct {
	APIKey         string    `json:"apiKey,omitempty"`
	APISecret      string    `json:"apiSecret,omitempty"`
	Passphrase     string    `json:"passphrase,omitempty"`
	AccountID      string    `json:"accountId,omitempty"`
	Login          string    `json:"login,omitempty"`
	Password       string    `json:"password,omitempty"`
	Server         string    `json:"server,omitempty"`
	AccessToken    string    `json:"accessToken,omitempty"`
	RefreshToken   string    `json:"refreshToken,omitempty"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt,omitempty"`
	Sandbox        bool      `json:"sandbox,omitempty"`
}

// Field returns the value of a named field ("" when unknown).
func (c Credentials) Field(name string) string {
	switch name {
	case FieldAPIKey:
		return c.APIKey
	case FieldAPISecret:
		return c.APISecret
	case FieldPassphrase:
		return c.Passphrase
	case FieldAccountID:
		return c.AccountID
	case FieldLogin:
		return c.Login
	case FieldPassword:
		return c.Password
	case FieldServer:
		return c.Server
	case FieldAccessToken:
		return c.AccessToken
	case FieldRefreshToken:
		return c.RefreshToken
	}
	return ""
}

// Missing returns the required fields that are blank, in the order given.
func (c Credentials) Missing(required []string) []string {
	var missing []string
	for _, f := range required {
		if strings.TrimSpace(c.Field(f)) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// String implements fmt.Stringer without exposing secrets.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{apiKey:%s sandbox:%t}", mask(c.APIKey), c.Sandbox)
}

// GoString keeps %#v from leaking secrets too.
func (c Credentials) GoString() string { return c.String() }

func mask(v string) string {
	if len(v) <= 4 {
		if v == "" {
			return ""
		}
		return "****"
	}
	return "****" + v[len(v)-4:]
}
