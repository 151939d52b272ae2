package wxapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"wxgate/internal/domain"
)

type tokenReply struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type componentTokenReply struct {
	ComponentAccessToken string `json:"component_access_token"`
	ExpiresIn            int64  `json:"expires_in"`
}

type authorizerTokenReply struct {
	AuthorizerAccessToken  string `json:"authorizer_access_token"`
	ExpiresIn              int64  `json:"expires_in"`
	AuthorizerRefreshToken string `json:"authorizer_refresh_token"`
}

func (c *Client) expiry(seconds int64) time.Time {
	return c.cfg.Now().Add(time.Duration(seconds) * time.Second)
}

// ClientCredential mints an access token from an account's own secret.
func (c *Client) ClientCredential(ctx context.Context, creds domain.Credentials) (domain.AccessToken, error) {
	if creds.Secret == "" {
		return domain.AccessToken{}, fmt.Errorf("client credential %s: empty secret", creds.AppID)
	}
	q := url.Values{
		"grant_type": {"client_credential"},
		"appid":      {creds.AppID},
		"secret":     {creds.Secret},
	}
	var out tokenReply
	if err := c.call(ctx, http.MethodGet, "/cgi-bin/token", q, nil, &out); err != nil {
		return domain.AccessToken{}, fmt.Errorf("client credential %s: %w", creds.AppID, err)
	}
	return domain.AccessToken{Value: out.AccessToken, ExpiresAt: c.expiry(out.ExpiresIn)}, nil
}

// ComponentToken mints the component app's own token from its secret and the
// last pushed verify ticket.
func (c *Client) ComponentToken(ctx context.Context, comp domain.Credentials) (domain.AccessToken, error) {
	if comp.Ticket == "" {
		return domain.AccessToken{}, fmt.Errorf("component token %s: %w", comp.AppID, ErrNoTicket)
	}
	body, err := marshal(map[string]string{
		"component_appid":         comp.AppID,
		"component_appsecret":     comp.Secret,
		"component_verify_ticket": comp.Ticket,
	})
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("component token %s: %w", comp.AppID, err)
	}
	var out componentTokenReply
	if err := c.call(ctx, http.MethodPost, "/cgi-bin/component/api_component_token", nil, body, &out); err != nil {
		return domain.AccessToken{}, fmt.Errorf("component token %s: %w", comp.AppID, err)
	}
	return domain.AccessToken{Value: out.ComponentAccessToken, ExpiresAt: c.expiry(out.ExpiresIn)}, nil
}

// AuthorizerToken mints a hosted account's token through the component app.
// It returns the refresh token to keep, which the platform may rotate.
func (c *Client) AuthorizerToken(ctx context.Context, componentToken, componentAppID string, creds domain.Credentials) (domain.AccessToken, string, error) {
	if creds.RefreshToken == "" {
		return domain.AccessToken{}, "", fmt.Errorf("authorizer token %s: empty refresh token", creds.AppID)
	}
	body, err := marshal(map[string]string{
		"component_appid":          componentAppID,
		"authorizer_appid":         creds.AppID,
		"authorizer_refresh_token": creds.RefreshToken,
	})
	if err != nil {
		return domain.AccessToken{}, "", fmt.Errorf("authorizer token %s: %w", creds.AppID, err)
	}
	q := url.Values{"component_access_token": {componentToken}}
	var out authorizerTokenReply
	if err := c.call(ctx, http.MethodPost, "/cgi-bin/component/api_authorizer_token", q, body, &out); err != nil {
		return domain.AccessToken{}, "", fmt.Errorf("authorizer token %s: %w", creds.AppID, err)
	}
	refresh := out.AuthorizerRefreshToken
	if refresh == "" {
		refresh = creds.RefreshToken
	}
	return domain.AccessToken{Value: out.AuthorizerAccessToken, ExpiresAt: c.expiry(out.ExpiresIn)}, refresh, nil
}

// Fetcher picks the token flow for a set of credentials: the component app
// uses its ticket, hosted accounts go through the component app, and every
// other account uses its own secret.
type Fetcher struct {
	Client         *Client
	ComponentAppID string
	// LoadComponent returns the current component credentials, nil when the
	// component app is not stored yet.
	LoadComponent func(ctx context.Context) (*domain.Credentials, error)
	// Tokens supplies the component token when minting authorizer tokens.
	Tokens TokenSource
}

// Fetch implements token.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, creds domain.Credentials) (domain.Credentials, error) {
	switch {
	case f.ComponentAppID != "" && creds.AppID == f.ComponentAppID:
		// The ticket is pushed every few minutes; the caller's copy may be stale.
		if f.LoadComponent != nil {
			stored, err := f.LoadComponent(ctx)
			if err != nil {
				return creds, fmt.Errorf("component token %s: load ticket: %w", creds.AppID, err)
			}
			if stored != nil && stored.Ticket != "" {
				creds.Ticket = stored.Ticket
			}
		}
		t, err := f.Client.ComponentToken(ctx, creds)
		if err != nil {
			return creds, err
		}
		creds.Access = t
		return creds, nil

	case creds.Hosted():
		comp, err := f.component(ctx, creds.ComponentAppID)
		if err != nil {
			return creds, err
		}
		compToken, err := f.Tokens.Get(ctx, *comp, false)
		if err != nil {
			return creds, fmt.Errorf("authorizer token %s: %w", creds.AppID, err)
		}
		t, refresh, err := f.Client.AuthorizerToken(ctx, compToken, comp.AppID, creds)
		if err != nil {
			return creds, err
		}
		creds.Access = t
		creds.RefreshToken = refresh
		return creds, nil

	default:
		t, err := f.Client.ClientCredential(ctx, creds)
		if err != nil {
			return creds, err
		}
		creds.Access = t
		return creds, nil
	}
}

func (f *Fetcher) component(ctx context.Context, appID string) (*domain.Credentials, error) {
	if f.LoadComponent == nil || f.Tokens == nil {
		return nil, fmt.Errorf("hosted account: component app not configured")
	}
	comp, err := f.LoadComponent(ctx)
	if err != nil {
		return nil, fmt.Errorf("load component credentials: %w", err)
	}
	if comp == nil || comp.AppID != appID {
		return nil, fmt.Errorf("hosted account: component app %s not found", appID)
	}
	return comp, nil
}
