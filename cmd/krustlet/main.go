/*
Copyright 2019 The Machine Controller Authors.

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

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/krustlet/krustlet/pkg/blobstore"
	"github.com/krustlet/krustlet/pkg/bootstrap"
	"github.com/krustlet/krustlet/pkg/clusterinfo"
	"github.com/krustlet/krustlet/pkg/config"
	"github.com/krustlet/krustlet/pkg/csivolume"
	"github.com/krustlet/krustlet/pkg/deviceplugin"
	"github.com/krustlet/krustlet/pkg/dispatcher"
	logging "github.com/krustlet/krustlet/pkg/log"
	"github.com/krustlet/krustlet/pkg/node"
	"github.com/krustlet/krustlet/pkg/ociregistry"
	"github.com/krustlet/krustlet/pkg/plugin"
	"github.com/krustlet/krustlet/pkg/podstatus"
	"github.com/krustlet/krustlet/pkg/provider"
	"github.com/krustlet/krustlet/pkg/provider/wasm"
	"github.com/krustlet/krustlet/pkg/server"
	"github.com/krustlet/krustlet/pkg/statemachine"

	"github.com/heptiolabs/healthcheck"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"k8s.io/client-go/tools/record"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"
)

const userAgent = "krustlet"

func main() {
	cfg, err := config.Load(flag.NewFlagSet("krustlet", flag.ExitOnError), os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "krustlet: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Debug)
	defer log.Sync() //nolint:errcheck

	if err := runKrustlet(cfg, log); err != nil {
		log.Fatalw("krustlet exiting", "error", err)
	}
}

// runKrustlet holds everything that can return an error, so main itself
// stays a thin flag/logger bootstrap, the way
// cmd/machine-controller/main.go keeps its own main small and pushes the
// real wiring into the oklog/run.Group block below.
func runKrustlet(cfg config.Config, log *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := server.NewHealthState()

	restCfg, kubeconfigProvider, err := bootstrapCredentials(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("bootstrap node credentials: %w", err)
	}
	health.SetCredentialsLoaded(true)

	kubeClient, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("build kubernetes client: %w", err)
	}
	ctrlClient, err := ctrlruntimeclient.New(restCfg, ctrlruntimeclient.Options{})
	if err != nil {
		return fmt.Errorf("build controller-runtime client: %w", err)
	}

	if err := bootstrap.EnsureServingCert(ctx, kubeClient.CertificatesV1().CertificateSigningRequests(), cfg.CertFile, cfg.PrivateKeyFile, cfg.NodeName, cfg.NodeIP); err != nil {
		return fmt.Errorf("ensure serving certificate: %w", err)
	}

	nodeMgr := node.New(ctrlClient, node.Spec{
		Name:         cfg.NodeName,
		Architecture: wasm.Architecture,
		Addresses: []corev1.NodeAddress{
			{Type: corev1.NodeInternalIP, Address: cfg.NodeIP},
			{Type: corev1.NodeHostName, Address: cfg.Hostname},
		},
		Labels:        cfg.NodeLabels,
		MaxPods:       int64(cfg.MaxPods),
		LeaseInterval: time.Duration(cfg.LeaseIntervalSeconds) * time.Second,
	})
	if err := nodeMgr.Register(ctx); err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	blobs, err := blobstore.New(cfg.ModulesDir())
	if err != nil {
		return fmt.Errorf("open module blob store: %w", err)
	}
	registry := ociregistry.New(cfg.AllowLocalModules, userAgent)

	drivers := csivolume.NewDriverSet()
	volumes := csivolume.NewManager(kubeClient, cfg.NodeName, cfg.DataDir, drivers)
	devices := deviceplugin.NewManager(log, nodeMgr)

	runtimeProvider, err := wasm.New(ctx, wasm.Config{Blobs: blobs, Registry: registry, Volumes: volumes, Devices: devices})
	if err != nil {
		return fmt.Errorf("construct wasm provider: %w", err)
	}

	registrar := plugin.NewRegistrar(cfg.PluginsDir(), log, drivers, devices)

	recorder := newEventRecorder(kubeClient, cfg.NodeName)
	publisher := podstatus.NewPublisher(kubeClient, recorder, log)
	stats := podstatus.NewStatsCollector(kubeClient, cfg.NodeName)

	httpServer, err := newPublicServer(cfg, log, runtimeProvider, kubeClient, stats, health)
	if err != nil {
		return fmt.Errorf("construct public http server: %w", err)
	}
	diagnosticsServer := newDiagnosticsServer(cfg, log, kubeClient, kubeconfigProvider)

	d := dispatcher.New(kubeClient, cfg.NodeName, log, podRunFunc(log, runtimeProvider, publisher, cfg.NodeName))
	prometheus.DefaultRegisterer.MustRegister(dispatcher.NewCollector(d))

	var g run.Group
	{
		g.Add(func() error {
			return nodeMgr.Heartbeat(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			return registrar.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			health.SetWatchConnected(true)
			err := d.Run(ctx)
			health.SetWatchConnected(false)
			return err
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			return httpServer.ListenAndServe()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warnw("error shutting down public http server", "error", err)
			}
		})
	}
	{
		g.Add(func() error {
			return diagnosticsServer.ListenAndServe()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := diagnosticsServer.Shutdown(shutdownCtx); err != nil {
				log.Warnw("error shutting down diagnostics http server", "error", err)
			}
		})
	}
	{
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case sig := <-sigCh:
				return fmt.Errorf("received signal %s", sig)
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(error) {
			cancel()
		})
	}

	if err := nodeMgr.MarkReady(ctx); err != nil {
		log.Warnw("failed to mark node ready", "error", err)
	}

	runErr := g.Run()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := nodeMgr.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to mark node not-ready on shutdown", "error", err)
	}

	log.Infow("krustlet stopped", "reason", runErr)
	return nil
}

// bootstrapCredentials turns a bootstrap kubeconfig into long-lived node
// credentials and returns a *rest.Config built from the result, plus a
// clusterinfo.KubeconfigProvider the diagnostics server uses for its
// "valid-info-kubeconfig" readiness check, the way
// cmd/machine-controller/main.go wires its own kubeconfigProvider from the
// same *rest.Config it authenticates with.
func bootstrapCredentials(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*rest.Config, *clusterinfo.KubeconfigProvider, error) {
	kubeconfig, err := bootstrap.EnsureNodeCredentials(ctx, cfg.BootstrapConfPath(), cfg.KubeconfigPath(), cfg.NodeName)
	if err != nil {
		if kubeconfig == nil {
			return nil, nil, err
		}
		log.Warnw("node credentials persisted but the bootstrap kubeconfig was not removed", "error", err)
	}
	restCfg, err := restConfigFrom(kubeconfig)
	if err != nil {
		return nil, nil, err
	}
	bootstrapClient, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build bootstrap kubernetes client: %w", err)
	}
	return restCfg, clusterinfo.New(restCfg, bootstrapClient), nil
}

func restConfigFrom(kubeconfig *clientcmdapi.Config) (*rest.Config, error) {
	restCfg, err := clientcmd.NewDefaultClientConfig(*kubeconfig, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("build rest config from kubeconfig: %w", err)
	}
	return restCfg, nil
}

func newEventRecorder(kubeClient kubernetes.Interface, nodeName string) record.EventRecorder {
	broadcaster := record.NewBroadcaster()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{Interface: kubeClient.CoreV1().Events("")})
	return broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: "krustlet", Host: nodeName})
}

func newPublicServer(cfg config.Config, log *zap.SugaredLogger, prov provider.Provider, kubeClient kubernetes.Interface, stats *podstatus.StatsCollector, health *server.HealthState) (*http.Server, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load serving certificate: %w", err)
	}
	srv := server.New(server.Config{
		Log:      log,
		Provider: prov,
		Pods:     &server.KubeconfigPodResolver{Client: kubeClient, NodeName: cfg.NodeName},
		Stats:    stats,
		Health:   health,
	})
	addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	return server.NewTLSServer(addr, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, srv.Handler()), nil
}

// newDiagnosticsServer builds the loopback-only metrics/healthz listener, in
// the same /metrics+/live+/ready mux layout createUtilHTTPServer builds,
// adding the same "valid-info-kubeconfig" readiness check
// cmd/machine-controller/main.go's readinessChecks performs against its own
// kubeconfigProvider.
func newDiagnosticsServer(cfg config.Config, log *zap.SugaredLogger, kubeClient kubernetes.Interface, kubeconfigProvider *clusterinfo.KubeconfigProvider) *http.Server {
	extra := map[string]healthcheck.Check{
		"valid-info-kubeconfig": func() error {
			kc, err := kubeconfigProvider.GetKubeconfig(context.Background(), log)
			if err != nil {
				return err
			}
			if len(kc.Clusters) == 0 {
				return errors.New("invalid kubeconfig: no clusters found")
			}
			for name, c := range kc.Clusters {
				if len(c.CertificateAuthorityData) == 0 {
					return fmt.Errorf("invalid kubeconfig: no certificate authority data for cluster %q", name)
				}
				if c.Server == "" {
					return fmt.Errorf("invalid kubeconfig: no server for cluster %q", name)
				}
			}
			return nil
		},
	}
	health := server.NewDiagnosticsHandler(kubeClient, extra)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.Handle("/live", http.HandlerFunc(health.LiveEndpoint))
	mux.Handle("/ready", http.HandlerFunc(health.ReadyEndpoint))

	return &http.Server{
		Addr:         cfg.DiagnosticsAddress,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

const statusPublishInterval = 2 * time.Second

// podRunFunc adapts a provider.Provider and a statemachine.Engine into a
// dispatcher.RunFunc: one goroutine drives the pod through its state graph
// while a second periodically projects its in-process status into the real
// Pod object, until the engine returns.
func podRunFunc(log *zap.SugaredLogger, prov provider.Provider, publisher *podstatus.Publisher, nodeName string) dispatcher.RunFunc {
	return func(ctx context.Context, grace context.Context, uid string, pods *dispatcher.Slot) {
		defer publisher.Forget(uid)

		engine := statemachine.New(prov, statemachine.WithLogger(log))
		shared := &provider.SharedContext{NodeName: nodeName, PodUID: uid, Status: provider.NewPodStatus()}

		go func() {
			<-grace.Done()
			engine.Stop()
		}()

		publishDone := make(chan struct{})
		engineDone := make(chan struct{})
		go func() {
			defer close(publishDone)
			ticker := time.NewTicker(statusPublishInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-engineDone:
					return
				case <-ticker.C:
					publishOnce(ctx, publisher, pods, shared, log)
				}
			}
		}()

		if err := engine.Run(ctx, shared, pods); err != nil && ctx.Err() == nil {
			log.Errorw("pod state machine exited with error", "podUID", uid, "error", err)
		}
		close(engineDone)
		<-publishDone
		publishOnce(context.Background(), publisher, pods, shared, log)
	}
}

func publishOnce(ctx context.Context, publisher *podstatus.Publisher, pods *dispatcher.Slot, shared *provider.SharedContext, log *zap.SugaredLogger) {
	pod, ok := pods.Get(ctx)
	if !ok {
		return
	}
	if err := publisher.Publish(ctx, pod, shared); err != nil {
		log.Warnw("failed to publish pod status", "podUID", shared.PodUID, "error", err)
	}
}
