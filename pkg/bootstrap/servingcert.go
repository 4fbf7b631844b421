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
	"fmt"
	"net"
	"os"
	"time"

	"github.com/krustlet/krustlet/pkg/apierrors"

	certificatesv1client "k8s.io/client-go/kubernetes/typed/certificates/v1"
)

// servingCertRenewalMargin is how far ahead of a serving certificate's
// expiry EnsureServingCert treats it as no longer usable and submits a
// fresh CSR instead.
const servingCertRenewalMargin = 24 * time.Hour

// EnsureServingCert makes sure a serving certificate valid for nodeIP and
// nodeName exists at certPath/keyPath, submitting a CSR and waiting for a
// cluster operator to approve it if one doesn't already exist or the
// existing one is within servingCertRenewalMargin of expiring.
//
// Unlike the client certificate flow, a serving CSR is not
// auto-approved: this call blocks, polling with DefaultBackoff, until an
// operator runs `kubectl certificate approve` or the context is
// cancelled.
func EnsureServingCert(ctx context.Context, csrClient certificatesv1client.CertificateSigningRequestInterface, certPath, keyPath, nodeName, nodeIP string) error {
	if valid, err := servingCertStillValid(certPath); err != nil {
		return err
	} else if valid {
		return nil
	}

	ip := net.ParseIP(nodeIP)
	if ip == nil {
		return apierrors.New(apierrors.KindConfig, "ensure serving cert", fmt.Errorf("invalid node IP %q", nodeIP))
	}

	req := csrRequest{
		name:       fmt.Sprintf(ServingCSRNamePattern, nodeName),
		commonName: nodeName,
		group:      NodeGroup,
		usages:     servingCertUsages,
		dnsNames:   []string{nodeName},
		ipAddrs:    []net.IP{ip},
	}
	keyPair, err := newCSR(req)
	if err != nil {
		return err
	}
	if err := submitCSR(ctx, csrClient, req, keyPair.csrPEM); err != nil {
		return err
	}

	certPEM, err := pollCSR(ctx, csrClient, req.name, DefaultBackoff)
	if err != nil {
		return err
	}

	if err := atomicWriteFile(keyPath, keyPair.keyPEM, servingKeyMode); err != nil {
		return err
	}
	return atomicWriteFile(certPath, certPEM, servingCertMode)
}

// servingCertStillValid reports whether the PEM certificate at path
// exists and has more than servingCertRenewalMargin left before expiry.
func servingCertStillValid(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, apierrors.New(apierrors.KindCredential, "read serving cert", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return false, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, nil
	}
	return time.Now().Add(servingCertRenewalMargin).Before(cert.NotAfter), nil
}
