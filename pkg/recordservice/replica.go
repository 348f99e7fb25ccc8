package recordservice

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
)

// ReplicaPolicy chooses which of a task's hosts runs it. Any replica is
// correct; policies only spread load.
type ReplicaPolicy interface {
	Choose(task Task) (NetworkAddress, error)
}

// ReplicaPolicyFor returns the policy named name: "random", "round-robin"
// or "locality". localHost is only used by the locality policy.
func ReplicaPolicyFor(name, localHost string) (ReplicaPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "random":
		return NewRandomReplica(), nil
	case "round-robin", "roundrobin":
		return &RoundRobinReplica{}, nil
	case "locality", "local":
		return &LocalityReplica{Hostname: localHost}, nil
	default:
		return nil, fmt.Errorf("unknown replica policy %q", name)
	}
}

type RandomReplica struct{}

func NewRandomReplica() *RandomReplica { return &RandomReplica{} }

func (p *RandomReplica) Choose(task Task) (NetworkAddress, error) {
	if err := requireHosts(task); err != nil {
		return NetworkAddress{}, err
	}
	return task.Hosts[rand.IntN(len(task.Hosts))], nil
}

// RoundRobinReplica cycles through replica positions across calls. It is
// safe for concurrent use.
type RoundRobinReplica struct {
	next atomic.Uint64
}

func (p *RoundRobinReplica) Choose(task Task) (NetworkAddress, error) {
	if err := requireHosts(task); err != nil {
		return NetworkAddress{}, err
	}
	n := p.next.Add(1) - 1
	return task.Hosts[n%uint64(len(task.Hosts))], nil
}

// LocalityReplica prefers a replica on Hostname and falls back to Fallback,
// or a random replica, when the task has none there.
type LocalityReplica struct {
	Hostname string
	Fallback ReplicaPolicy
}

func (p *LocalityReplica) Choose(task Task) (NetworkAddress, error) {
	if err := requireHosts(task); err != nil {
		return NetworkAddress{}, err
	}
	for _, host := range task.Hosts {
		if strings.EqualFold(host.Hostname, p.Hostname) {
			return host, nil
		}
	}
	fallback := p.Fallback
	if fallback == nil {
		fallback = NewRandomReplica()
	}
	return fallback.Choose(task)
}

func requireHosts(task Task) error {
	if len(task.Hosts) == 0 {
		return &ServiceError{
			Code:    ErrCodeInvalidTask,
			Message: "task has no hosts",
			Detail:  task.ID,
		}
	}
	return nil
}
