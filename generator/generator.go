package generator

import (
	"bytes"
	"sort"
	"text/template"

	"github.com/pkg/errors"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

type Header struct {
	Name  string
	Value string
}

// Params is everything a template can reference.
type Params struct {
	Domain        string
	CertRef       string
	FullchainPath string
	PrivkeyPath   string
	Webroot       string
	Upstream      string
	HealthPath    string
	Headers       []Header
}

// Generator renders proxy configuration. It holds no state besides its inputs, so the same
// template, domain and certificate always render the same text.
type Generator struct {
	webroot    string
	upstream   string
	healthPath string
	headers    []Header
}

func New(appCtx appcontext.AppContext) *Generator {
	s := appCtx.Settings
	headers := make([]Header, 0, len(s.ExtraHeaders))
	for k, v := range s.ExtraHeaders {
		headers = append(headers, Header{Name: k, Value: v})
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Name < headers[j].Name })

	return &Generator{
		webroot:    s.Webroot,
		upstream:   s.Upstream,
		healthPath: s.HealthPath,
		headers:    headers,
	}
}

// Render produces a new, unsaved Configuration for domain from tmpl. Rendering failures and
// lint errors are reported as InvalidConfig.
func (g *Generator) Render(tmpl string, domain string, cert *model.Certificate) (*model.Configuration, error) {
	if cert == nil {
		return nil, model.NewFailure(model.InvalidConfig, errors.New("no certificate to render"))
	}
	if cert.Status != model.CertValid {
		return nil, model.NewFailure(model.InvalidConfig, errors.Errorf("certificate %s is %s, not valid", cert.Ref, cert.Status))
	}
	if cert.FullchainPath == "" || cert.PrivkeyPath == "" {
		return nil, model.NewFailure(model.InvalidConfig, errors.New("certificate paths are empty"))
	}

	t, err := template.New(domain).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, model.NewFailure(model.InvalidConfig, errors.Wrap(err, "while parsing proxy template"))
	}

	params := Params{
		Domain:        domain,
		CertRef:       cert.Ref,
		FullchainPath: cert.FullchainPath,
		PrivkeyPath:   cert.PrivkeyPath,
		Webroot:       g.webroot,
		Upstream:      g.upstream,
		HealthPath:    g.healthPath,
		Headers:       g.headers,
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, params); err != nil {
		return nil, model.NewFailure(model.InvalidConfig, errors.Wrap(err, "while rendering proxy template"))
	}

	if err := Lint(buf.String()); err != nil {
		return nil, model.NewFailure(model.InvalidConfig, err)
	}

	return &model.Configuration{
		Domain:       domain,
		CertRef:      cert.Ref,
		RenderedText: buf.String(),
	}, nil
}
