package cluster

import (
	"sync"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
)

// State of an engine instance.
type State string

const (
	StateStarting State = "Starting"
	StateReady    State = "Ready"
	StateStopped  State = "Stopped"
)

const (
	// DataDir is the data directory inside engine images.
	DataDir = "/var/lib/postgresql/data"
	// EnginePort is the port the engine listens on inside the container.
	EnginePort = 5432
	// SuperUser owns the cluster and runs the probes.
	SuperUser = "postgres"
)

// InstanceSpec describes an instance to start.
type InstanceSpec struct {
	// Role names the instance in logs and container labels, e.g. "source".
	Role   string
	Image  string
	Volume string
	// Port is the host port; 0 picks a free one.
	Port     int
	Env      map[string]string
	Password string
}

// Instance is one ephemeral engine server bound to a volume and a port.
type Instance struct {
	mu          sync.Mutex
	containerID string
	spec        InstanceSpec
	port        int
	state       State
	logs        string
}

func (i *Instance) ContainerID() string { return i.containerID }
func (i *Instance) Spec() InstanceSpec  { return i.spec }
func (i *Instance) Port() int           { return i.port }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Logs returns the last captured container log.
func (i *Instance) Logs() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.logs
}

// Endpoint addresses the instance's maintenance database.
func (i *Instance) Endpoint() model.Endpoint {
	return model.Endpoint{
		Host:     "127.0.0.1",
		Port:     i.port,
		User:     SuperUser,
		Password: i.spec.Password,
		Database: "postgres",
	}
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Instance) setLogs(logs string) {
	i.mu.Lock()
	i.logs = logs
	i.mu.Unlock()
}
