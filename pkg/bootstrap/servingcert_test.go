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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func writeSelfSignedCert(t *testing.T, path string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "worker-1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
}

func TestEnsureServingCert_SkipsWhenStillValid(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "serving.crt")
	keyPath := filepath.Join(dir, "serving.key")
	writeSelfSignedCert(t, certPath, time.Now().Add(30*24*time.Hour))

	// A nil CSR client would panic if EnsureServingCert tried to submit a
	// new CSR; reaching the end of the call without panicking proves the
	// still-valid short circuit fired.
	err := EnsureServingCert(context.Background(), nil, certPath, keyPath, "worker-1", "10.0.0.5")
	require.NoError(t, err)
}

func TestEnsureServingCert_SubmitsWhenExpiringSoon(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "serving.crt")
	keyPath := filepath.Join(dir, "serving.key")
	writeSelfSignedCert(t, certPath, time.Now().Add(time.Hour))

	clientset := fake.NewSimpleClientset()
	client := clientset.CertificatesV1().CertificateSigningRequests()

	go func() {
		for i := 0; i < 50; i++ {
			time.Sleep(2 * time.Millisecond)
			csr, err := client.Get(context.Background(), "node-serving-cert-worker-1", metav1.GetOptions{})
			if err == nil {
				csr.Status.Certificate = []byte("new-serving-cert")
				_, _ = client.UpdateStatus(context.Background(), csr, metav1.UpdateOptions{})
				return
			}
		}
	}()

	err := EnsureServingCert(context.Background(), client, certPath, keyPath, "worker-1", "10.0.0.5")
	require.NoError(t, err)

	got, err := os.ReadFile(certPath)
	require.NoError(t, err)
	require.Equal(t, []byte("new-serving-cert"), got)
}

func TestEnsureServingCert_RejectsInvalidNodeIP(t *testing.T) {
	dir := t.TempDir()
	err := EnsureServingCert(context.Background(), nil, filepath.Join(dir, "c"), filepath.Join(dir, "k"), "worker-1", "not-an-ip")
	require.Error(t, err)
}
