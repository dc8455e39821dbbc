// Package kubernetes provides a sandbox variant backed by agent-sandbox
// SandboxClaim CRDs. Create provisions a claim and waits for the bound
// Sandbox to become ready; tool calls go to the pod's control server at
// its service FQDN; Release deletes the claim.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox/control"
)

// controlPort is the control server port on sandbox pods.
const controlPort = 8080

// Options configures the kubernetes variant for one sandbox type. The
// SandboxTemplate name comes from the type's Image field.
type Options struct {
	// Client talks to the cluster hosting the agent-sandbox controller.
	Client client.Client

	// Namespace receives the SandboxClaims.
	Namespace string

	// Tools is the descriptor set this type dispatches.
	Tools []api.ToolDescriptor

	// Token is the shared control-channel secret for tool calls.
	Token string
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// Factory returns a sandbox.Factory producing claim-backed instances.
func Factory(opts Options) sandbox.Factory {
	return func() sandbox.Sandbox {
		return &Sandbox{
			opts:   opts,
			client: control.NewClient(opts.Token),
		}
	}
}

// Sandbox owns one SandboxClaim from Create until Release.
type Sandbox struct {
	opts   Options
	client *control.Client

	claimName string
	endpoint  string
	timeout   time.Duration
	released  atomic.Bool
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

// Create provisions a SandboxClaim for the type's template and polls
// the bound Sandbox resource until it is ready. The claim is removed
// when provisioning fails part-way.
func (s *Sandbox) Create(ctx context.Context, cfg sandbox.Config) error {
	s.timeout = cfg.Type.DefaultTimeout
	s.claimName = claimNameFn(cfg.SandboxID)

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.claimName,
			Namespace: s.opts.Namespace,
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
				Name: cfg.Type.Image,
			},
		},
	}

	if err := s.opts.Client.Create(ctx, claim); err != nil {
		return api.NewProvisionError("create SandboxClaim %q: %v", s.claimName, err)
	}

	fqdn, err := s.waitForReady(ctx)
	if err != nil {
		s.deleteClaim()
		return err
	}
	s.endpoint = fmt.Sprintf("http://%s:%d", fqdn, controlPort)

	slog.Debug("claim sandbox created",
		"sandbox_id", cfg.SandboxID,
		"claim", s.claimName,
		"namespace", s.opts.Namespace,
		"endpoint", s.endpoint,
	)
	return nil
}

// waitForReady polls the Sandbox resource until its Ready condition is
// True and the service FQDN is populated, bounded by the type timeout.
func (s *Sandbox) waitForReady(ctx context.Context) (string, error) {
	deadline := time.After(s.timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", api.NewTimeoutError("cancelled waiting for Sandbox %q: %v", s.claimName, ctx.Err())
		case <-deadline:
			return "", api.NewTimeoutError("Sandbox %q not ready after %s", s.claimName, s.timeout)
		case <-ticker.C:
			sb := &sandboxv1alpha1.Sandbox{}
			key := types.NamespacedName{Name: s.claimName, Namespace: s.opts.Namespace}
			if err := s.opts.Client.Get(ctx, key, sb); err != nil {
				// The controller may not have created it yet. Keep polling.
				continue
			}
			if isReady(sb) && sb.Status.ServiceFQDN != "" {
				return sb.Status.ServiceFQDN, nil
			}
		}
	}
}

// CallTool dispatches to the pod's control server.
func (s *Sandbox) CallTool(ctx context.Context, name string, args json.RawMessage) (*api.ToolResult, error) {
	if s.released.Load() {
		return nil, api.NewReleasedError(s.claimName)
	}
	return s.client.Call(ctx, s.endpoint, name, args, s.timeout)
}

// Health probes the pod's control server.
func (s *Sandbox) Health(ctx context.Context) bool {
	if s.released.Load() || s.endpoint == "" {
		return false
	}
	return s.client.Healthy(ctx, s.endpoint)
}

// Release deletes the SandboxClaim exactly once. Failures are logged,
// never propagated.
func (s *Sandbox) Release(context.Context) {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.deleteClaim()
}

func (s *Sandbox) Tools() []api.ToolDescriptor { return s.opts.Tools }

func (s *Sandbox) Endpoint() string { return s.endpoint }

// deleteClaim removes the claim, logging rather than propagating
// failures since it runs on release and cleanup paths.
func (s *Sandbox) deleteClaim() {
	if s.claimName == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.claimName,
			Namespace: s.opts.Namespace,
		},
	}
	if err := s.opts.Client.Delete(ctx, claim); err != nil {
		slog.Warn("failed to delete SandboxClaim", "claim", s.claimName, "namespace", s.opts.Namespace, "error", err.Error())
		return
	}
	slog.Debug("deleted SandboxClaim", "claim", s.claimName, "namespace", s.opts.Namespace)
}

// isReady checks if the Sandbox has a Ready condition set to True.
func isReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// claimNameFn derives the claim name from the sandbox id. Claim names
// must be RFC 1123 subdomains, so the id is lowercased and its
// underscore separator mapped to a hyphen. Replaceable in tests for
// deterministic naming.
var claimNameFn = func(sandboxID string) string {
	return "sk-" + strings.ToLower(strings.ReplaceAll(sandboxID, "_", "-"))
}
