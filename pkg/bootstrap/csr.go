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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"time"

	"github.com/krustlet/krustlet/pkg/apierrors"
	"github.com/krustlet/krustlet/pkg/backoff"

	certificatesv1 "k8s.io/api/certificates/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	certificatesv1client "k8s.io/client-go/kubernetes/typed/certificates/v1"
)

// csrRequest is the subset of CertificateSigningRequestSpec krustlet needs
// to fill in for either the client-cert or the serving-cert flow; only the
// requested usages and SANs differ between the two.
type csrRequest struct {
	name       string
	commonName string
	group      string
	usages     []certificatesv1.KeyUsage
	dnsNames   []string
	ipAddrs    []net.IP
}

// generatedKeyPair is a freshly minted private key plus the PEM-encoded CSR
// built against it, ready for submission.
type generatedKeyPair struct {
	key    crypto.Signer
	keyPEM []byte
	csrPEM []byte
}

// newCSR generates an ECDSA P-256 key pair (mirroring the key type
// k8s.io/client-go/util/certificate uses for kubelet bootstrapping) and
// builds a PKCS#10 CertificateSigningRequest against it.
func newCSR(req csrRequest) (*generatedKeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, apierrors.New(apierrors.KindCredential, "generate key", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, apierrors.New(apierrors.KindCredential, "marshal key", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   req.commonName,
			Organization: []string{req.group},
		},
		DNSNames:    req.dnsNames,
		IPAddresses: req.ipAddrs,
	}
	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, apierrors.New(apierrors.KindCredential, "create CSR", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrBytes})

	return &generatedKeyPair{key: key, keyPEM: keyPEM, csrPEM: csrPEM}, nil
}

// submitCSR creates (or replaces) the named CertificateSigningRequest
// object using the given client, authenticating as whatever identity the
// client's own credentials carry (the bootstrap token for the client-cert
// flow, the freshly issued client cert for the serving-cert flow).
func submitCSR(ctx context.Context, client certificatesv1client.CertificateSigningRequestInterface, req csrRequest, csrPEM []byte) error {
	obj := &certificatesv1.CertificateSigningRequest{
		ObjectMeta: metav1.ObjectMeta{Name: req.name},
		Spec: certificatesv1.CertificateSigningRequestSpec{
			Request:    csrPEM,
			SignerName: certificatesv1.KubeAPIServerClientSignerName,
			Usages:     req.usages,
			Groups:     []string{req.group, "system:authenticated"},
		},
	}
	if isServingUsage(req.usages) {
		obj.Spec.SignerName = certificatesv1.KubeletServingSignerName
	}

	_, err := client.Create(ctx, obj, metav1.CreateOptions{})
	if kerrors.IsAlreadyExists(err) {
		// A previous attempt may have created the CSR but crashed before
		// observing the signed certificate; fall through to polling the
		// existing object instead of failing the bootstrap attempt.
		return nil
	}
	if err != nil {
		return apierrors.New(apierrors.KindCredential, "submit CSR", err)
	}
	return nil
}

func isServingUsage(usages []certificatesv1.KeyUsage) bool {
	for _, u := range usages {
		if u == certificatesv1.UsageServerAuth {
			return true
		}
	}
	return false
}

// pollCSR polls the named CSR until status.certificate is populated or a
// Denied/Failed condition appears, backing off between polls per policy.
// A Denied or Failed CSR is fatal to the startup sequence: the process
// must not start serving traffic without both credentials.
func pollCSR(ctx context.Context, client certificatesv1client.CertificateSigningRequestInterface, name string, policy backoff.Policy) ([]byte, error) {
	b := backoff.New(policy)
	for {
		csr, err := client.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, apierrors.New(apierrors.KindAPIUnavailable, "get CSR", err)
		}

		for _, cond := range csr.Status.Conditions {
			if cond.Type == certificatesv1.CertificateDenied || cond.Type == certificatesv1.CertificateFailed {
				return nil, apierrors.New(apierrors.KindCredential, "CSR rejected",
					fmt.Errorf("csr %q: %s: %s", name, cond.Reason, cond.Message))
			}
		}

		if len(csr.Status.Certificate) > 0 {
			return csr.Status.Certificate, nil
		}

		select {
		case <-ctx.Done():
			return nil, apierrors.New(apierrors.KindCredential, "poll CSR", ctx.Err())
		case <-time.After(b.Next()):
		}
	}
}

// clientCertUsages and servingCertUsages are the usage sets for the two CSR flavors
// krustlet ever submits, mirroring the fixed usage lists the serving-cert
// approval controller on the cluster side checks against.
var (
	clientCertUsages = []certificatesv1.KeyUsage{
		certificatesv1.UsageDigitalSignature,
		certificatesv1.UsageKeyEncipherment,
		certificatesv1.UsageClientAuth,
	}
	servingCertUsages = []certificatesv1.KeyUsage{
		certificatesv1.UsageDigitalSignature,
		certificatesv1.UsageKeyEncipherment,
		certificatesv1.UsageServerAuth,
	}
)
