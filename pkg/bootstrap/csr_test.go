/*
Copyright 2022 The Machine Controller Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bootstrap

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/krustlet/krustlet/pkg/apierrors"
	"github.com/krustlet/krustlet/pkg/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	certificatesv1 "k8s.io/api/certificates/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestNewCSR(t *testing.T) {
	kp, err := newCSR(csrRequest{
		commonName: "system:node:worker-1",
		group:      NodeGroup,
		usages:     clientCertUsages,
	})
	require.NoError(t, err)

	keyBlock, _ := pem.Decode(kp.keyPEM)
	require.NotNil(t, keyBlock)
	assert.Equal(t, "EC PRIVATE KEY", keyBlock.Type)

	csrBlock, _ := pem.Decode(kp.csrPEM)
	require.NotNil(t, csrBlock)
	csr, err := x509.ParseCertificateRequest(csrBlock.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "system:node:worker-1", csr.Subject.CommonName)
	assert.Equal(t, []string{NodeGroup}, csr.Subject.Organization)
}

func TestSubmitCSR_IdempotentOnAlreadyExists(t *testing.T) {
	client := fake.NewSimpleClientset().CertificatesV1().CertificateSigningRequests()
	req := csrRequest{name: "node-client-cert-worker-1", group: NodeGroup, usages: clientCertUsages}

	require.NoError(t, submitCSR(context.Background(), client, req, []byte("csr-1")))
	require.NoError(t, submitCSR(context.Background(), client, req, []byte("csr-2")))
}

func TestSubmitCSR_UsesServingSignerForServerAuth(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	client := clientset.CertificatesV1().CertificateSigningRequests()
	req := csrRequest{name: "node-serving-cert-worker-1", group: NodeGroup, usages: servingCertUsages}

	require.NoError(t, submitCSR(context.Background(), client, req, []byte("csr")))

	obj, err := client.Get(context.Background(), req.name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, certificatesv1.KubeletServingSignerName, obj.Spec.SignerName)
}

func TestPollCSR_ReturnsCertificateOnceIssued(t *testing.T) {
	clientset := fake.NewSimpleClientset(&certificatesv1.CertificateSigningRequest{
		ObjectMeta: metav1.ObjectMeta{Name: "pending"},
	})
	client := clientset.CertificatesV1().CertificateSigningRequests()

	go func() {
		time.Sleep(10 * time.Millisecond)
		csr, _ := client.Get(context.Background(), "pending", metav1.GetOptions{})
		csr.Status.Certificate = []byte("issued-cert")
		_, _ = client.UpdateStatus(context.Background(), csr, metav1.UpdateOptions{})
	}()

	cert, err := pollCSR(context.Background(), client, "pending", backoff.Policy{Initial: 2 * time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 1.5, JitterFrac: 0})
	require.NoError(t, err)
	assert.Equal(t, []byte("issued-cert"), cert)
}

func TestPollCSR_DeniedIsFatal(t *testing.T) {
	clientset := fake.NewSimpleClientset(&certificatesv1.CertificateSigningRequest{
		ObjectMeta: metav1.ObjectMeta{Name: "rejected"},
		Status: certificatesv1.CertificateSigningRequestStatus{
			Conditions: []certificatesv1.CertificateSigningRequestCondition{
				{Type: certificatesv1.CertificateDenied, Reason: "NotAuthorized"},
			},
		},
	})
	client := clientset.CertificatesV1().CertificateSigningRequests()

	_, err := pollCSR(context.Background(), client, "rejected", backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, JitterFrac: 0})
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindCredential))
}

func TestPollCSR_ContextCancelled(t *testing.T) {
	clientset := fake.NewSimpleClientset(&certificatesv1.CertificateSigningRequest{
		ObjectMeta: metav1.ObjectMeta{Name: "stuck"},
	})
	client := clientset.CertificatesV1().CertificateSigningRequests()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pollCSR(ctx, client, "stuck", backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, JitterFrac: 0})
	require.Error(t, err)
}
