package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/pkg/errors"

	"github.com/numtide/certpilot/model"
)

// Vault archives committed certificates in a KV version 2 engine, one secret per domain, so
// every renewal becomes a new secret version.
type Vault struct {
	client *api.Client
	mount  string
}

var _ Sink = &Vault{}

func NewVault(client *api.Client, mount string) *Vault {
	return &Vault{client: client, mount: strings.Trim(mount, "/")}
}

func (v *Vault) Name() string {
	return "vault"
}

// Path is the logical path written for domain.
func (v *Vault) Path(domain string) string {
	return fmt.Sprintf("%s/data/certpilot/%s", v.mount, domain)
}

func (v *Vault) Publish(ctx context.Context, cert *model.Certificate) error {
	chain, key, err := readPair(cert)
	if err != nil {
		return err
	}

	_, err = v.client.Logical().WriteWithContext(ctx, v.Path(cert.Domain), map[string]interface{}{
		"data": map[string]interface{}{
			"domain":      cert.Domain,
			"ref":         cert.Ref,
			"fullchain":   string(chain),
			"private_key": string(key),
			"expires_at":  cert.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return errors.Wrapf(err, "while writing %s", v.Path(cert.Domain))
	}
	return nil
}

// NewVaultClient creates a client from the standard VAULT_* environment. With a username it
// logs in through the userpass auth method, otherwise VAULT_TOKEN is used as is.
func NewVaultClient(username, password string) (*api.Client, error) {
	vc, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		return nil, errors.Wrap(err, "while creating vault client")
	}
	if username == "" {
		return vc, nil
	}

	// to pass the password
	options := map[string]interface{}{
		"password": password,
	}
	path := fmt.Sprintf("auth/userpass/login/%s", username)

	// PUT call to get a token
	secret, err := vc.Logical().Write(path, options)
	if err != nil {
		return nil, errors.Wrap(err, "while logging in to vault")
	}
	if secret == nil || secret.Auth == nil {
		return nil, errors.New("vault login returned no token")
	}

	vc.SetToken(secret.Auth.ClientToken)
	return vc, nil
}
