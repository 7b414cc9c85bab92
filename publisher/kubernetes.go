package publisher

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/numtide/certpilot/model"
)

const (
	domainAnnotation  = "certpilot.numtide.com/domain"
	certRefAnnotation = "certpilot.numtide.com/cert-ref"
)

// Kubernetes mirrors committed certificates into kubernetes.io/tls Secrets, for ingress
// controllers that serve the same domain.
type Kubernetes struct {
	client       kubernetes.Interface
	namespace    string
	nameTemplate string
}

var _ Sink = &Kubernetes{}

func NewKubernetes(client kubernetes.Interface, namespace, nameTemplate string) *Kubernetes {
	return &Kubernetes{client: client, namespace: namespace, nameTemplate: nameTemplate}
}

func (k *Kubernetes) Name() string {
	return "kubernetes"
}

// SecretName derives a valid object name for domain from the configured template.
func (k *Kubernetes) SecretName(domain string) string {
	return strings.ReplaceAll(k.nameTemplate, "{domain}", strings.ReplaceAll(domain, ".", "-"))
}

func (k *Kubernetes) Publish(ctx context.Context, cert *model.Certificate) error {
	chain, key, err := readPair(cert)
	if err != nil {
		return err
	}

	secc := k.client.CoreV1().Secrets(k.namespace)
	name := k.SecretName(cert.Domain)

	desired := &corev1.Secret{
		ObjectMeta: v1.ObjectMeta{
			Name:      name,
			Namespace: k.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "certpilot",
			},
			Annotations: map[string]string{
				domainAnnotation:  cert.Domain,
				certRefAnnotation: cert.Ref,
			},
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{
			corev1.TLSCertKey:       chain,
			corev1.TLSPrivateKeyKey: key,
		},
	}

	existing, err := secc.Get(ctx, name, v1.GetOptions{})
	if kerrors.IsNotFound(err) {
		_, err = secc.Create(ctx, desired, v1.CreateOptions{})
		return errors.Wrapf(err, "while creating secret %s/%s", k.namespace, name)
	}
	if err != nil {
		return errors.Wrapf(err, "while getting secret %s/%s", k.namespace, name)
	}

	if existing.Type != corev1.SecretTypeTLS {
		// the type of a secret is immutable
		if err := secc.Delete(ctx, name, v1.DeleteOptions{}); err != nil && !kerrors.IsNotFound(err) {
			return errors.Wrapf(err, "while replacing secret %s/%s", k.namespace, name)
		}
		_, err = secc.Create(ctx, desired, v1.CreateOptions{})
		return errors.Wrapf(err, "while creating secret %s/%s", k.namespace, name)
	}

	existing.Data = desired.Data
	if existing.Labels == nil {
		existing.Labels = map[string]string{}
	}
	if existing.Annotations == nil {
		existing.Annotations = map[string]string{}
	}
	for label, value := range desired.Labels {
		existing.Labels[label] = value
	}
	for annotation, value := range desired.Annotations {
		existing.Annotations[annotation] = value
	}
	_, err = secc.Update(ctx, existing, v1.UpdateOptions{})
	return errors.Wrapf(err, "while updating secret %s/%s", k.namespace, name)
}

// NewKubeClient builds a clientset from a kubeconfig file, or from the in-cluster environment
// when kubeconfig is empty.
func NewKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, errors.Wrap(err, "while creating k8s cluster config")
	}

	kubeclient, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "while creating k8s client")
	}
	return kubeclient, nil
}
