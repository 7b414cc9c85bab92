package publisher_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/event"
	"github.com/numtide/certpilot/model"
	"github.com/numtide/certpilot/publisher"
)

const domain = "app.example.test"

var expires = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

func writeCert(t *testing.T, ref string) *model.Certificate {
	t.Helper()
	dir := t.TempDir()
	cert := &model.Certificate{
		Domain:        domain,
		Ref:           ref,
		FullchainPath: filepath.Join(dir, "fullchain.pem"),
		PrivkeyPath:   filepath.Join(dir, "privkey.pem"),
		ExpiresAt:     expires,
		Status:        model.CertValid,
	}
	require.NoError(t, os.WriteFile(cert.FullchainPath, []byte("chain-"+ref), 0o644))
	require.NoError(t, os.WriteFile(cert.PrivkeyPath, []byte("key-"+ref), 0o600))
	return cert
}

func TestVaultPublish(t *testing.T) {
	var method, path string
	var body map[string]map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := api.DefaultConfig()
	cfg.Address = server.URL
	client, err := api.NewClient(cfg)
	require.NoError(t, err)
	client.SetToken("test")

	sink := publisher.NewVault(client, "/secret/")
	require.NoError(t, sink.Publish(context.Background(), writeCert(t, "r1")))

	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/v1/secret/data/certpilot/app.example.test", path)
	assert.Equal(t, "chain-r1", body["data"]["fullchain"])
	assert.Equal(t, "key-r1", body["data"]["private_key"])
	assert.Equal(t, "2026-09-01T00:00:00Z", body["data"]["expires_at"])
}

func TestKubernetesPublishCreatesAndUpdates(t *testing.T) {
	client := fake.NewSimpleClientset()
	sink := publisher.NewKubernetes(client, "web", "{domain}-tls")
	ctx := context.Background()

	require.NoError(t, sink.Publish(ctx, writeCert(t, "r1")))

	secret, err := client.CoreV1().Secrets("web").Get(ctx, "app-example-test-tls", v1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.SecretTypeTLS, secret.Type)
	assert.Equal(t, []byte("chain-r1"), secret.Data[corev1.TLSCertKey])
	assert.Equal(t, "r1", secret.Annotations["certpilot.numtide.com/cert-ref"])

	require.NoError(t, sink.Publish(ctx, writeCert(t, "r2")))

	secret, err = client.CoreV1().Secrets("web").Get(ctx, "app-example-test-tls", v1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("key-r2"), secret.Data[corev1.TLSPrivateKeyKey])
	assert.Equal(t, "r2", secret.Annotations["certpilot.numtide.com/cert-ref"])
}

func TestKubernetesPublishReplacesOpaqueSecret(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: v1.ObjectMeta{Name: "app-example-test-tls", Namespace: "web"},
		Type:       corev1.SecretTypeOpaque,
		Data:       map[string][]byte{"password": []byte("x")},
	})
	sink := publisher.NewKubernetes(client, "web", "{domain}-tls")

	require.NoError(t, sink.Publish(context.Background(), writeCert(t, "r1")))

	secret, err := client.CoreV1().Secrets("web").Get(context.Background(), "app-example-test-tls", v1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.SecretTypeTLS, secret.Type)
	assert.NotContains(t, secret.Data, "password")
}

type recordingSink struct {
	name  string
	refs  []string
	fails int
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Publish(_ context.Context, cert *model.Certificate) error {
	if r.fails > 0 {
		r.fails--
		return errors.New("sink unavailable")
	}
	r.refs = append(r.refs, cert.Ref)
	return nil
}

func TestProcessPublishesEachCertificateOnce(t *testing.T) {
	healthy := &recordingSink{name: "healthy"}
	flaky := &recordingSink{name: "flaky", fails: 1}
	appCtx := appcontext.AppContext{Logger: zap.NewNop().Sugar()}

	input := make(chan event.Event)
	done := make(chan struct{})
	go publisher.Process(input, appCtx, []publisher.Sink{healthy, flaky}, func() { close(done) })

	committed := func(ref string) event.Event {
		return event.FromResult(model.Result{Domain: domain, State: model.StateCommitted, Certificate: &model.Certificate{Domain: domain, Ref: ref}})
	}

	input <- committed("r1")
	input <- committed("r1")
	input <- event.FromResult(model.Result{Domain: domain, State: model.StateFailed, Reason: model.ActivationUnhealthy})
	input <- committed("r2")
	close(input)
	<-done

	assert.Equal(t, []string{"r1", "r2"}, healthy.refs)
	assert.Equal(t, []string{"r1", "r2"}, flaky.refs, "a failed publish is retried on the next event")
}
