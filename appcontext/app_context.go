package appcontext

import (
	"github.com/hashicorp/vault/api"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/numtide/certpilot/config"
)

type AppContext struct {
	Settings    config.Settings
	Logger      *zap.SugaredLogger
	Clock       clockwork.Clock
	KubeClient  kubernetes.Interface
	VaultClient *api.Client
	CertManager CertManager
}
