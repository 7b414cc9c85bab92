package publisher

import (
	"os"

	"github.com/pkg/errors"

	"github.com/numtide/certpilot/model"
)

func readPair(cert *model.Certificate) ([]byte, []byte, error) {
	chain, err := os.ReadFile(cert.FullchainPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "while reading certificate chain")
	}
	key, err := os.ReadFile(cert.PrivkeyPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "while reading private key")
	}
	return chain, key, nil
}
