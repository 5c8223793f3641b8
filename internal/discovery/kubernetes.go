package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	toolscache "k8s.io/client-go/tools/cache"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"adguardsync/pkg/logging"
)

// HostnameAnnotation overrides the generated hostname for a LoadBalancer
// service.
const HostnameAnnotation = "dns.sync/hostname"

const loadBalancerFieldSelector = "spec.type=LoadBalancer"

// KubernetesSource discovers endpoints from LoadBalancer services and
// Traefik-class ingresses.
//
// LoadBalancer services map to their assigned external IP under either the
// dns.sync/hostname annotation or a generated <name>.<namespace>.<domain>
// name. Ingress hosts all resolve to the Traefik LoadBalancer IP, since
// Traefik terminates them.
//
// Change detection uses shared informers on Services and Ingresses and emits
// coarse notifications; consumers re-snapshot rather than apply deltas.
type KubernetesSource struct {
	mu sync.RWMutex

	clientset     kubernetes.Interface
	clusterDomain string

	factory informers.SharedInformerFactory

	notify chan<- struct{}

	cancelFunc context.CancelFunc
	running    bool
}

// NewKubernetesSource creates a Kubernetes endpoint source.
//
// clusterDomain is the suffix for generated service hostnames, typically
// "svc.cluster.local".
func NewKubernetesSource(restConfig *rest.Config, clusterDomain string) (*KubernetesSource, error) {
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	return &KubernetesSource{
		clientset:     clientset,
		clusterDomain: clusterDomain,
	}, nil
}

// NewKubernetesSourceWithClient creates a source with an injected clientset.
// Used by tests with a fake clientset.
func NewKubernetesSourceWithClient(clientset kubernetes.Interface, clusterDomain string) *KubernetesSource {
	return &KubernetesSource{
		clientset:     clientset,
		clusterDomain: clusterDomain,
	}
}

// Snapshot lists LoadBalancer services and Traefik ingresses and converts
// them to endpoints.
func (s *KubernetesSource) Snapshot(ctx context.Context) ([]Endpoint, error) {
	services, err := s.clientset.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: loadBalancerFieldSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list LoadBalancer services: %w", err)
	}

	endpoints := make([]Endpoint, 0, len(services.Items))
	traefikIP := ""

	for i := range services.Items {
		svc := &services.Items[i]
		if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
			continue
		}
		ip := loadBalancerIP(svc)

		if isTraefikService(svc) {
			if ip != "" {
				traefikIP = ip
				logging.Debug("Discovery", "Found Traefik LoadBalancer IP: %s", traefikIP)
			}
			continue
		}

		endpoints = append(endpoints, Endpoint{
			Kind:      KindService,
			Hostname:  s.serviceHostname(svc),
			Address:   ip,
			Namespace: svc.Namespace,
			Name:      svc.Name,
		})
	}

	if traefikIP == "" {
		logging.Warn("Discovery", "Traefik LoadBalancer IP not found, skipping ingress hostnames")
		return endpoints, nil
	}

	ingresses, err := s.clientset.NetworkingV1().Ingresses(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list ingresses: %w", err)
	}

	for i := range ingresses.Items {
		ing := &ingresses.Items[i]
		if !isTraefikIngress(ing) {
			continue
		}
		for _, rule := range ing.Spec.Rules {
			if rule.Host == "" {
				continue
			}
			endpoints = append(endpoints, Endpoint{
				Kind:      KindIngress,
				Hostname:  rule.Host,
				Address:   traefikIP,
				Namespace: ing.Namespace,
				Name:      ing.Name,
			})
		}
	}

	return endpoints, nil
}

// Start runs shared informers on Services and Ingresses. Every relevant
// add/update/delete is signalled on notify.
func (s *KubernetesSource) Start(ctx context.Context, notify chan<- struct{}) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	var watchCtx context.Context
	watchCtx, s.cancelFunc = context.WithCancel(ctx)
	s.notify = notify
	s.running = true

	s.factory = informers.NewSharedInformerFactory(s.clientset, 0)
	serviceInformer := s.factory.Core().V1().Services().Informer()
	ingressInformer := s.factory.Networking().V1().Ingresses().Informer()
	s.mu.Unlock()

	if _, err := serviceInformer.AddEventHandler(s.serviceEventHandler()); err != nil {
		return fmt.Errorf("failed to register service event handler: %w", err)
	}
	if _, err := ingressInformer.AddEventHandler(s.ingressEventHandler()); err != nil {
		return fmt.Errorf("failed to register ingress event handler: %w", err)
	}

	s.factory.Start(watchCtx.Done())

	for informerType, synced := range s.factory.WaitForCacheSync(watchCtx.Done()) {
		if !synced {
			return fmt.Errorf("failed to sync informer cache for %v", informerType)
		}
	}

	logging.Info("Discovery", "Started watching Kubernetes services and ingresses")
	return nil
}

// Stop stops the informers.
func (s *KubernetesSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.factory != nil {
		s.factory.Shutdown()
	}

	logging.Info("Discovery", "Stopped Kubernetes source")
	return nil
}

// Check verifies API server reachability.
func (s *KubernetesSource) Check(ctx context.Context) error {
	_, err := s.clientset.Discovery().ServerVersion()
	if err != nil {
		return fmt.Errorf("kubernetes API unreachable: %w", err)
	}
	return nil
}

func (s *KubernetesSource) serviceEventHandler() toolscache.ResourceEventHandler {
	return toolscache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if svc, ok := serviceFromObject(obj); ok && svc.Spec.Type == corev1.ServiceTypeLoadBalancer {
				s.signal("service", svc.Namespace, svc.Name)
			}
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			if svc, ok := serviceFromObject(newObj); ok && svc.Spec.Type == corev1.ServiceTypeLoadBalancer {
				s.signal("service", svc.Namespace, svc.Name)
			}
		},
		DeleteFunc: func(obj interface{}) {
			if svc, ok := serviceFromObject(obj); ok && svc.Spec.Type == corev1.ServiceTypeLoadBalancer {
				s.signal("service", svc.Namespace, svc.Name)
			}
		},
	}
}

func (s *KubernetesSource) ingressEventHandler() toolscache.ResourceEventHandler {
	return toolscache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if ing, ok := ingressFromObject(obj); ok && isTraefikIngress(ing) {
				s.signal("ingress", ing.Namespace, ing.Name)
			}
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			if ing, ok := ingressFromObject(newObj); ok && isTraefikIngress(ing) {
				s.signal("ingress", ing.Namespace, ing.Name)
			}
		},
		DeleteFunc: func(obj interface{}) {
			if ing, ok := ingressFromObject(obj); ok && isTraefikIngress(ing) {
				s.signal("ingress", ing.Namespace, ing.Name)
			}
		},
	}
}

// signal sends a change notification without blocking. The consumer channel
// has capacity 1; a pending notification already covers this change.
func (s *KubernetesSource) signal(kind, namespace, name string) {
	s.mu.RLock()
	notify := s.notify
	running := s.running
	s.mu.RUnlock()

	if !running || notify == nil {
		return
	}

	select {
	case notify <- struct{}{}:
		logging.Debug("Discovery", "Change detected: %s %s/%s", kind, namespace, name)
	default:
	}
}

func (s *KubernetesSource) serviceHostname(svc *corev1.Service) string {
	if hostname := svc.Annotations[HostnameAnnotation]; hostname != "" {
		return hostname
	}
	return fmt.Sprintf("%s.%s.%s", svc.Name, svc.Namespace, s.clusterDomain)
}

func loadBalancerIP(svc *corev1.Service) string {
	for _, ingress := range svc.Status.LoadBalancer.Ingress {
		if ingress.IP != "" {
			return ingress.IP
		}
	}
	return ""
}

func isTraefikService(svc *corev1.Service) bool {
	if strings.Contains(strings.ToLower(svc.Name), "traefik") {
		return true
	}
	labels := svc.Labels
	return labels["app"] == "traefik" || labels["app.kubernetes.io/name"] == "traefik"
}

func isTraefikIngress(ing *networkingv1.Ingress) bool {
	if ing.Spec.IngressClassName != nil && *ing.Spec.IngressClassName == "traefik" {
		return true
	}
	if ing.Annotations["kubernetes.io/ingress.class"] == "traefik" {
		return true
	}
	for key := range ing.Annotations {
		if strings.HasPrefix(key, "traefik.ingress.kubernetes.io") {
			return true
		}
	}
	return false
}

func serviceFromObject(obj interface{}) (*corev1.Service, bool) {
	if deleted, ok := obj.(toolscache.DeletedFinalStateUnknown); ok {
		obj = deleted.Obj
	}
	svc, ok := obj.(*corev1.Service)
	return svc, ok
}

func ingressFromObject(obj interface{}) (*networkingv1.Ingress, bool) {
	if deleted, ok := obj.(toolscache.DeletedFinalStateUnknown); ok {
		obj = deleted.Obj
	}
	ing, ok := obj.(*networkingv1.Ingress)
	return ing, ok
}

// RestConfig resolves Kubernetes client configuration, in-cluster first,
// falling back to kubeconfig. Uses controller-runtime's resolution order.
func RestConfig() (*rest.Config, error) {
	return ctrl.GetConfig()
}

// IsClusterAvailable reports whether Kubernetes cluster access is available.
func IsClusterAvailable() bool {
	config, err := ctrl.GetConfig()
	if err != nil {
		return false
	}
	_, err = client.New(config, client.Options{})
	return err == nil
}
