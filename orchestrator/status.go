package orchestrator

import (
	"github.com/pkg/errors"

	"github.com/numtide/certpilot/certmanager"
	"github.com/numtide/certpilot/model"
)

type DomainStatus struct {
	Domain      model.Domain
	Certificate *model.Certificate
	Active      *model.Configuration
	// Lock is the holder of the renewal lock, if a run is in progress.
	Lock *model.RenewalLock
}

// Status reports every registered domain with its current certificate and active configuration.
func (o *Orchestrator) Status() ([]DomainStatus, error) {
	domains, err := o.Registry.List()
	if err != nil {
		return nil, err
	}

	out := make([]DomainStatus, 0, len(domains))
	for _, d := range domains {
		st := DomainStatus{Domain: d}
		if d.CertRef != "" {
			st.Certificate, err = o.Certs.Load(d.Name, d.CertRef)
			if err != nil && !errors.Is(err, certmanager.ErrCertificateNotFound) {
				return nil, err
			}
		}
		if st.Active, err = o.Store.Active(d.Name); err != nil {
			return nil, err
		}
		if st.Lock, err = o.Locker.Holder(d.Name); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// NeedsRenewal reports whether the domain has no usable certificate or is inside its renewal
// window.
func (s DomainStatus) NeedsRenewal() bool {
	return s.Certificate == nil || s.Certificate.Status != model.CertValid
}
