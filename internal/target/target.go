// ABOUTME: Target identifies the cluster workload a session observes or intercepts
// ABOUTME: Canonical key defines the scope of lock contention

package target

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the workload kind of a target.
type Kind string

const (
	KindPod         Kind = "pod"
	KindDeployment  Kind = "deployment"
	KindStatefulSet Kind = "statefulset"
	KindDaemonSet   Kind = "daemonset"
)

// ErrInvalidTarget is returned when a target fails validation.
var ErrInvalidTarget = errors.New("invalid target")

// Target names a workload. Values are immutable once created; compare them
// with Key.
type Target struct {
	Namespace string `json:"namespace" cbor:"namespace" yaml:"namespace"`
	Kind      Kind   `json:"kind" cbor:"kind" yaml:"kind"`
	Name      string `json:"name" cbor:"name" yaml:"name"`
	Container string `json:"container,omitempty" cbor:"container,omitempty" yaml:"container,omitempty"`
}

// Key is the canonical identity used for equality and lock scope.
// The container is part of the key, so two containers of the same pod are
// distinct targets.
func (t Target) Key() string {
	key := t.Namespace + "/" + string(t.Kind) + "/" + t.Name
	if t.Container != "" {
		key += "/" + t.Container
	}
	return key
}

func (t Target) String() string {
	return t.Key()
}

// Validate checks that all required fields are present and the kind is known.
func (t Target) Validate() error {
	if t.Namespace == "" {
		return fmt.Errorf("%w: namespace is required", ErrInvalidTarget)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTarget)
	}
	switch t.Kind {
	case KindPod, KindDeployment, KindStatefulSet, KindDaemonSet:
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidTarget, t.Kind)
	}
	if strings.Contains(t.Name, "/") || strings.Contains(t.Namespace, "/") || strings.Contains(t.Container, "/") {
		return fmt.Errorf("%w: names must not contain '/'", ErrInvalidTarget)
	}
	return nil
}

// Parse reads a target path of the form "kind/name[/container/name]" in the
// given namespace, e.g. "deployment/api/container/app" or "pod/api-7f9c".
func Parse(namespace, path string) (Target, error) {
	parts := strings.Split(path, "/")
	var t Target
	switch len(parts) {
	case 2:
		t = Target{Namespace: namespace, Kind: Kind(strings.ToLower(parts[0])), Name: parts[1]}
	case 4:
		if parts[2] != "container" {
			return Target{}, fmt.Errorf("%w: expected kind/name/container/name, got %q", ErrInvalidTarget, path)
		}
		t = Target{Namespace: namespace, Kind: Kind(strings.ToLower(parts[0])), Name: parts[1], Container: parts[3]}
	default:
		return Target{}, fmt.Errorf("%w: expected kind/name[/container/name], got %q", ErrInvalidTarget, path)
	}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}
