package certmanager

import (
	"context"
	"net"
	"strings"

	"github.com/go-acme/lego/v4/acme"
	"github.com/pkg/errors"
)

const acmeErrorNS = "urn:ietf:params:acme:error:"

var transientProblems = map[string]bool{
	acmeErrorNS + "rateLimited":    true,
	acmeErrorNS + "serverInternal": true,
	acmeErrorNS + "badNonce":       true,
}

var transientPatterns = []string{
	"ratelimited",
	"rate limit",
	"too many requests",
	"service unavailable",
	"connection refused",
	"connection reset",
	"temporary failure",
	"no such host",
	"network is unreachable",
	"429",
	"503",
}

// IsTransient reports whether err is worth retrying within the same run: rate limiting, CA
// side errors and network timeouts. Ownership and policy rejections are not, including when
// they only survive as text in a validation error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var problem *acme.ProblemDetails
	if errors.As(err, &problem) {
		if transientProblems[problem.Type] {
			return true
		}
		return problem.HTTPStatus == 429 || problem.HTTPStatus >= 500
	}

	msg := err.Error()
	if i := strings.Index(msg, acmeErrorNS); i >= 0 {
		typ := msg[i+len(acmeErrorNS):]
		if j := strings.IndexAny(typ, " :,\n"); j >= 0 {
			typ = typ[:j]
		}
		return transientProblems[acmeErrorNS+typ]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg = strings.ToLower(msg)
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
