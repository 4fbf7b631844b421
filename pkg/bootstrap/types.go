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

/*
Package bootstrap turns a one-shot bootstrap token into long-lived node
credentials, and a pending CertificateSigningRequest into a signed serving
certificate. Both flows are idempotent: calling them again after success is
a no-op that returns the credentials already on disk.

Do NOT change the group/usage constants below without also updating the
cluster-side RBAC that authorizes them; they are part of krustlet's
contract with the CSR signer, mirroring how bootstrap tokens are a
contract between a kubelet and the cluster it joins.
*/
package bootstrap

import (
	"time"

	"github.com/krustlet/krustlet/pkg/backoff"
)

const (
	// BootstrapperGroup is the group a bootstrap token must authenticate as.
	BootstrapperGroup = "system:bootstrappers"
	// NodeGroup is the group requested on both the client and serving CSR.
	NodeGroup = "system:nodes"
	// NodeUserPrefix precedes the node name in the CSR's requested CommonName.
	NodeUserPrefix = "system:node:"

	// ClientCSRNamePattern names the CSR object submitted for the client
	// certificate; %s is the node name.
	ClientCSRNamePattern = "node-client-cert-%s"
	// ServingCSRNamePattern names the CSR object submitted for the serving
	// certificate; %s is the node name.
	ServingCSRNamePattern = "node-serving-cert-%s"

	// kubeconfigMode is the file mode the persisted kubeconfig and serving
	// key are written with; they contain private key material.
	kubeconfigMode = 0o600
	servingKeyMode = 0o600
	servingCertMode = 0o644
)

// DefaultBackoff is the "initial 1s, max 30s, 2x multiplier, +-20% jitter"
// policy both the client-cert and serving-cert CSR polling loops use.
var DefaultBackoff = backoff.Policy{
	Initial:    time.Second,
	Max:        30 * time.Second,
	Multiplier: 2,
	JitterFrac: 0.2,
}
