// ABOUTME: Kubernetes provisioner that runs one agent pod per target on the target's node
// ABOUTME: Resolves workloads to running pods via client-go and waits for agent readiness

package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/2389/mirror-broker/internal/target"
)

const (
	// Label keys for agent pods.
	LabelApp    = "app.kubernetes.io/name"
	LabelTarget = "mirror-broker.io/target"

	// LabelAppValue is the app label value for all agent pods.
	LabelAppValue = "mirror-agent"

	// AnnotationTarget records the full target key on the agent pod.
	AnnotationTarget = "mirror-broker.io/target-key"

	// AgentContainerName is the name of the container inside agent pods.
	AgentContainerName = "agent"

	DefaultAgentPort    = 61337
	DefaultReadyTimeout = 60 * time.Second
	DefaultPollInterval = 500 * time.Millisecond

	cleanupTimeout = 10 * time.Second
)

// KubeConfig configures agent pods.
type KubeConfig struct {
	// AgentNamespace is where agent pods are created. Empty means the
	// target's namespace.
	AgentNamespace string
	AgentImage     string
	AgentPort      int32
	ServiceAccount string
	ReadyTimeout   time.Duration
	PollInterval   time.Duration
}

// KubeProvisioner implements Provisioner against a Kubernetes API server.
type KubeProvisioner struct {
	client kubernetes.Interface
	cfg    KubeConfig
	dialer net.Dialer
	logger *slog.Logger
}

// NewKubeProvisioner creates a provisioner backed by client.
func NewKubeProvisioner(client kubernetes.Interface, cfg KubeConfig, logger *slog.Logger) *KubeProvisioner {
	if cfg.AgentPort == 0 {
		cfg.AgentPort = DefaultAgentPort
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KubeProvisioner{client: client, cfg: cfg, logger: logger.With("component", "provisioner")}
}

// NewKubeClient builds a clientset, preferring in-cluster configuration and
// falling back to kubeconfig (explicit path, $KUBECONFIG, then ~/.kube/config).
func NewKubeClient(kubeconfig string, logger *slog.Logger) (kubernetes.Interface, error) {
	restCfg, err := loadRESTConfig(kubeconfig, logger)
	if err != nil {
		return nil, err
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

func loadRESTConfig(kubeconfig string, logger *slog.Logger) (*rest.Config, error) {
	if kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			logger.Info("using in-cluster kubernetes configuration")
			return cfg, nil
		}
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating kubeconfig: %w", err)
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	logger.Info("using kubeconfig", "path", kubeconfig)
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig %s: %w", kubeconfig, err)
	}
	return cfg, nil
}

// AgentPodName returns the deterministic agent pod name for a target.
func AgentPodName(t target.Target) string {
	return "mirror-agent-" + targetHash(t)
}

func targetHash(t target.Target) string {
	sum := sha256.Sum256([]byte(t.Key()))
	return hex.EncodeToString(sum[:])[:12]
}

func (p *KubeProvisioner) agentNamespace(t target.Target) string {
	if p.cfg.AgentNamespace != "" {
		return p.cfg.AgentNamespace
	}
	return t.Namespace
}

// EnsureAgent resolves t to a running pod and returns a handle to an agent
// pod on the same node, creating it if needed. Concurrent calls for one
// target converge on the same pod.
func (p *KubeProvisioner) EnsureAgent(ctx context.Context, t target.Target) (AgentHandle, error) {
	targetPod, err := p.resolveTargetPod(ctx, t)
	if err != nil {
		return nil, &ProvisionError{Target: t, Err: err}
	}

	ns := p.agentNamespace(t)
	name := AgentPodName(t)
	pods := p.client.CoreV1().Pods(ns)

	var created bool
	existing, err := pods.Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil && podFinished(existing):
		p.logger.Warn("replacing finished agent pod", "pod", name, "state", podState(existing))
		if err := p.removeFinished(ctx, existing); err != nil {
			return nil, &ProvisionError{Target: t, Err: err}
		}
		if created, err = p.createAgentPod(ctx, t, targetPod); err != nil {
			return nil, &ProvisionError{Target: t, Err: err}
		}
	case err == nil:
		p.logger.Debug("reusing agent pod", "pod", name, "target", t.Key())
	case apierrors.IsNotFound(err):
		if created, err = p.createAgentPod(ctx, t, targetPod); err != nil {
			return nil, &ProvisionError{Target: t, Err: err}
		}
	default:
		return nil, &ProvisionError{Target: t, Err: fmt.Errorf("getting agent pod: %w", err)}
	}

	ip, err := p.waitRunning(ctx, ns, name)
	if err != nil {
		if created {
			p.deleteAbandoned(ctx, ns, name)
		}
		return nil, &ProvisionError{Target: t, Err: err}
	}

	p.logger.Info("agent ready", "pod", name, "namespace", ns, "ip", ip, "target", t.Key())
	return &kubeHandle{
		id:     ns + "/" + name,
		ns:     ns,
		name:   name,
		target: t,
		addr:   net.JoinHostPort(ip, strconv.Itoa(int(p.cfg.AgentPort))),
		dialer: &p.dialer,
	}, nil
}

// TeardownAgent deletes the agent pod. A pod that is already gone is not an
// error.
func (p *KubeProvisioner) TeardownAgent(ctx context.Context, h AgentHandle) error {
	kh, ok := h.(*kubeHandle)
	if !ok {
		return fmt.Errorf("agent handle %s was not created by this provisioner", h.ID())
	}
	p.logger.Info("deleting agent pod", "pod", kh.name, "namespace", kh.ns)
	err := p.client.CoreV1().Pods(kh.ns).Delete(ctx, kh.name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting agent pod %s: %w", kh.id, err)
	}
	return nil
}

func (p *KubeProvisioner) resolveTargetPod(ctx context.Context, t target.Target) (*corev1.Pod, error) {
	var pod *corev1.Pod
	var err error

	switch t.Kind {
	case target.KindPod:
		pod, err = p.client.CoreV1().Pods(t.Namespace).Get(ctx, t.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: pod %s/%s", ErrTargetNotFound, t.Namespace, t.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("getting pod: %w", err)
		}
		if pod.Status.Phase != corev1.PodRunning {
			return nil, fmt.Errorf("%w: pod %s/%s is %s", ErrTargetNotFound, t.Namespace, t.Name, pod.Status.Phase)
		}
	default:
		selector, err := p.workloadSelector(ctx, t)
		if err != nil {
			return nil, err
		}
		pod, err = p.firstRunningPod(ctx, t, selector)
		if err != nil {
			return nil, err
		}
	}

	if t.Container != "" && !slices.ContainsFunc(pod.Spec.Containers, func(c corev1.Container) bool {
		return c.Name == t.Container
	}) {
		return nil, fmt.Errorf("%w: container %q not in pod %s", ErrTargetNotFound, t.Container, pod.Name)
	}
	return pod, nil
}

func (p *KubeProvisioner) workloadSelector(ctx context.Context, t target.Target) (labels.Selector, error) {
	var ls *metav1.LabelSelector
	var err error

	apps := p.client.AppsV1()
	switch t.Kind {
	case target.KindDeployment:
		d, gerr := apps.Deployments(t.Namespace).Get(ctx, t.Name, metav1.GetOptions{})
		err = gerr
		if gerr == nil {
			ls = d.Spec.Selector
		}
	case target.KindStatefulSet:
		s, gerr := apps.StatefulSets(t.Namespace).Get(ctx, t.Name, metav1.GetOptions{})
		err = gerr
		if gerr == nil {
			ls = s.Spec.Selector
		}
	case target.KindDaemonSet:
		d, gerr := apps.DaemonSets(t.Namespace).Get(ctx, t.Name, metav1.GetOptions{})
		err = gerr
		if gerr == nil {
			ls = d.Spec.Selector
		}
	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrTargetNotFound, t.Kind)
	}

	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s %s/%s", ErrTargetNotFound, t.Kind, t.Namespace, t.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", t.Kind, err)
	}
	if ls == nil {
		return nil, fmt.Errorf("%s %s/%s has no selector", t.Kind, t.Namespace, t.Name)
	}
	selector, err := metav1.LabelSelectorAsSelector(ls)
	if err != nil {
		return nil, fmt.Errorf("parsing selector of %s: %w", t, err)
	}
	return selector, nil
}

func (p *KubeProvisioner) firstRunningPod(ctx context.Context, t target.Target, selector labels.Selector) (*corev1.Pod, error) {
	list, err := p.client.CoreV1().Pods(t.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, fmt.Errorf("listing pods with selector %s: %w", selector, err)
	}
	running := slices.DeleteFunc(list.Items, func(pod corev1.Pod) bool {
		return pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil
	})
	if len(running) == 0 {
		return nil, fmt.Errorf("%w: %s has no running pods", ErrTargetNotFound, t)
	}
	slices.SortFunc(running, func(a, b corev1.Pod) int { return strings.Compare(a.Name, b.Name) })
	return &running[0], nil
}

// createAgentPod creates the agent pod and reports whether this call created
// it. A pod created concurrently by someone else is not an error.
func (p *KubeProvisioner) createAgentPod(ctx context.Context, t target.Target, targetPod *corev1.Pod) (bool, error) {
	pod := p.buildAgentPod(t, targetPod)
	p.logger.Info("creating agent pod", "pod", pod.Name, "namespace", pod.Namespace, "node", pod.Spec.NodeName, "target", t.Key())

	_, err := p.client.CoreV1().Pods(pod.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating agent pod %s: %w", pod.Name, err)
	}
	return true, nil
}

// removeFinished deletes a finished agent pod, unless it is already being
// deleted, and waits for it to disappear so its name can be reused.
func (p *KubeProvisioner) removeFinished(ctx context.Context, pod *corev1.Pod) error {
	pods := p.client.CoreV1().Pods(pod.Namespace)
	if pod.DeletionTimestamp == nil {
		err := pods.Delete(ctx, pod.Name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("deleting finished agent pod: %w", err)
		}
	}

	err := wait.PollUntilContextTimeout(ctx, p.cfg.PollInterval, p.cfg.ReadyTimeout, true, func(ctx context.Context) (bool, error) {
		cur, err := pods.Get(ctx, pod.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		// A different UID means someone already replaced it.
		return cur.UID != pod.UID, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for agent pod %s/%s to be deleted: %w", pod.Namespace, pod.Name, err)
	}
	return nil
}

// deleteAbandoned removes an agent pod this provisioner created but never
// handed out. It runs even when ctx is already done.
func (p *KubeProvisioner) deleteAbandoned(ctx context.Context, ns, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	err := p.client.CoreV1().Pods(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		p.logger.Warn("failed to delete abandoned agent pod", "pod", name, "namespace", ns, "error", err)
		return
	}
	p.logger.Info("deleted abandoned agent pod", "pod", name, "namespace", ns)
}

func (p *KubeProvisioner) buildAgentPod(t target.Target, targetPod *corev1.Pod) *corev1.Pod {
	args := []string{
		"--port", strconv.Itoa(int(p.cfg.AgentPort)),
		"--target-pod", targetPod.Namespace + "/" + targetPod.Name,
	}
	if t.Container != "" {
		args = append(args, "--container", t.Container)
	}

	podSpec := corev1.PodSpec{
		NodeName:      targetPod.Spec.NodeName,
		HostPID:       true,
		RestartPolicy: corev1.RestartPolicyNever,
		Tolerations: []corev1.Toleration{
			{Operator: corev1.TolerationOpExists},
		},
		Containers: []corev1.Container{{
			Name:            AgentContainerName,
			Image:           p.cfg.AgentImage,
			Args:            args,
			ImagePullPolicy: corev1.PullIfNotPresent,
			Ports: []corev1.ContainerPort{{
				Name:          "agent",
				ContainerPort: p.cfg.AgentPort,
				Protocol:      corev1.ProtocolTCP,
			}},
			SecurityContext: &corev1.SecurityContext{
				Capabilities: &corev1.Capabilities{
					Add: []corev1.Capability{"NET_ADMIN", "NET_RAW", "SYS_PTRACE", "SYS_ADMIN"},
				},
			},
		}},
	}
	if p.cfg.ServiceAccount != "" {
		podSpec.ServiceAccountName = p.cfg.ServiceAccount
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      AgentPodName(t),
			Namespace: p.agentNamespace(t),
			Labels: map[string]string{
				LabelApp:    LabelAppValue,
				LabelTarget: targetHash(t),
			},
			Annotations: map[string]string{
				AnnotationTarget: t.Key(),
			},
		},
		Spec: podSpec,
	}
}

// podFinished reports whether pod can no longer serve as an agent. A pod
// being deleted counts as finished.
func podFinished(pod *corev1.Pod) bool {
	return pod.DeletionTimestamp != nil ||
		pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded
}

func podState(pod *corev1.Pod) string {
	if pod.DeletionTimestamp != nil {
		return "terminating"
	}
	return string(pod.Status.Phase)
}

var errAgentFailed = errors.New("agent pod failed")

func (p *KubeProvisioner) waitRunning(ctx context.Context, ns, name string) (string, error) {
	var ip string
	err := wait.PollUntilContextTimeout(ctx, p.cfg.PollInterval, p.cfg.ReadyTimeout, true, func(ctx context.Context) (bool, error) {
		pod, err := p.client.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if podFinished(pod) {
			return false, fmt.Errorf("%w: %s is %s", errAgentFailed, name, podState(pod))
		}
		if pod.Status.Phase == corev1.PodRunning && pod.Status.PodIP != "" {
			ip = pod.Status.PodIP
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("waiting for agent pod %s/%s: %w", ns, name, err)
	}
	return ip, nil
}

type kubeHandle struct {
	id     string
	ns     string
	name   string
	target target.Target
	addr   string
	dialer *net.Dialer
}

func (h *kubeHandle) ID() string            { return h.id }
func (h *kubeHandle) Target() target.Target { return h.target }

func (h *kubeHandle) Dial(ctx context.Context) (net.Conn, error) {
	return h.dialer.DialContext(ctx, "tcp", h.addr)
}
