package appcontext

import (
	"context"

	"github.com/numtide/certpilot/model"
)

type CertManager interface {
	// Acquire requests a fresh certificate for domain from the CA.
	Acquire(ctx context.Context, domain string, strategy model.Strategy) (*model.Certificate, error)
	// Load returns the stored certificate set identified by ref.
	Load(domain, ref string) (*model.Certificate, error)
	// Prune drops stored certificate sets other than the ones in keep, oldest first, leaving at most max.
	Prune(domain string, keep []string, max int) error
}
