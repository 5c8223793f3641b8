package discovery

import "context"

// Kind classifies where an endpoint was discovered.
type Kind string

const (
	// KindService is a LoadBalancer service with an assigned external IP.
	KindService Kind = "service"

	// KindIngress is an ingress host routed through the ingress controller.
	KindIngress Kind = "ingress"
)

// Endpoint is a single discovered DNS candidate: a fully qualified hostname
// and the address it should resolve to. Address may be empty while the
// underlying resource is still being provisioned; consumers drop such
// entries.
type Endpoint struct {
	Kind      Kind   `yaml:"kind"`
	Hostname  string `yaml:"hostname"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace,omitempty"`
	Name      string `yaml:"name,omitempty"`
}

// Source provides endpoint snapshots and change notifications.
//
// Different implementations exist for Kubernetes clusters and local endpoint
// files.
type Source interface {
	// Snapshot returns the full current set of endpoints.
	Snapshot(ctx context.Context) ([]Endpoint, error)

	// Start begins watching for changes. Any change is signalled on notify
	// with a non-blocking send; consumers coalesce bursts themselves.
	Start(ctx context.Context, notify chan<- struct{}) error

	// Stop gracefully stops the source.
	Stop() error

	// Check reports whether the backing system is reachable.
	Check(ctx context.Context) error
}

// Mode selects how endpoints are discovered.
type Mode string

const (
	// ModeKubernetes watches LoadBalancer services and ingresses via informers.
	ModeKubernetes Mode = "kubernetes"

	// ModeFile reads endpoints from a YAML file watched for changes.
	ModeFile Mode = "file"

	// ModeAuto picks Kubernetes when a cluster is reachable, file otherwise.
	ModeAuto Mode = "auto"
)
