package fetchtunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is an OIDC identity allowed to open tunnels on the relay server.
type Identity struct {
	Issuer   string `json:"issuer,omitempty"`
	ClientID string `json:"clientID,omitempty"`
	Subject  string `json:"subject"`
}

var (
	ErrInvalidIdentity = errors.New("invalid identity")
)

// ParseIdentity parses "issuer|clientID|subject".
func ParseIdentity(s string) (*Identity, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return nil, fmt.Errorf("identity must have the form issuer|clientID|subject, got %q", s)
	}
	return &Identity{
		Issuer:   parts[0],
		ClientID: parts[1],
		Subject:  parts[2],
	}, nil
}

// Verify checks token against the issuer's keys and the identity's client ID and subject.
func (i *Identity) Verify(ctx context.Context, token string) error {
	provider, err := oidc.NewProvider(ctx, i.Issuer)
	if err != nil {
		return err
	}
	idToken, err := provider.Verifier(&oidc.Config{ClientID: i.ClientID}).Verify(ctx, token)
	if err != nil {
		return err
	}
	if i.Subject != idToken.Subject {
		return ErrInvalidIdentity
	}
	return nil
}

// identityFromToken reads the claims of an ID token without verifying it.
func identityFromToken(idToken string) (*Identity, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(idToken, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	issuer, err := tok.Claims.GetIssuer()
	if err != nil {
		return nil, err
	}
	audiences, err := tok.Claims.GetAudience()
	if err != nil {
		return nil, err
	}
	if len(audiences) != 1 {
		return nil, fmt.Errorf("exactly one audience is expected, got [%s]", strings.Join(audiences, ", "))
	}
	subject, err := tok.Claims.GetSubject()
	if err != nil {
		return nil, err
	}
	return &Identity{
		Issuer:   issuer,
		ClientID: audiences[0],
		Subject:  subject,
	}, nil
}
