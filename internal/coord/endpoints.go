package coord

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultStartingPort is the first port handed out on each machine.
const DefaultStartingPort = 5000

// Endpoints assigns network addresses to runners. Ports are allocated per
// machine from a counter; a runner re-claiming on the same machine gets its
// existing address back.
type Endpoints struct {
	mu           sync.Mutex
	scheme       string
	startingPort int
	next         map[string]int               // machine -> next free port
	byMachine    map[string]map[string]string // machine -> runner -> address
	byAddress    map[string]string            // address -> runner
}

// NewEndpoints creates an allocator. Empty scheme means https; a
// non-positive port means DefaultStartingPort.
func NewEndpoints(scheme string, startingPort int) *Endpoints {
	if scheme == "" {
		scheme = "https"
	}
	if startingPort <= 0 {
		startingPort = DefaultStartingPort
	}
	return &Endpoints{
		scheme:       scheme,
		startingPort: startingPort,
		next:         map[string]int{},
		byMachine:    map[string]map[string]string{},
		byAddress:    map[string]string{},
	}
}

// Claim returns the address of runner on machine, allocating one on first use.
func (e *Endpoints) Claim(machine, runner string) (string, error) {
	machine = strings.TrimSpace(machine)
	runner = strings.TrimSpace(runner)
	if machine == "" || runner == "" {
		return "", fmt.Errorf("machine and runner names are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	runners := e.byMachine[machine]
	if runners == nil {
		runners = map[string]string{}
		e.byMachine[machine] = runners
	}
	if addr, ok := runners[runner]; ok {
		return addr, nil
	}
	// a runner moving to another machine replaces its previous claim
	for m, rs := range e.byMachine {
		if old, ok := rs[runner]; ok && m != machine {
			delete(rs, runner)
			delete(e.byAddress, old)
		}
	}
	port, ok := e.next[machine]
	if !ok {
		port = e.startingPort
	}
	if port > 65535 {
		return "", fmt.Errorf("no free port left on %s", machine)
	}
	e.next[machine] = port + 1
	addr := fmt.Sprintf("%s://%s:%d", e.scheme, machine, port)
	runners[runner] = addr
	e.byAddress[addr] = runner
	return addr, nil
}

// Query returns the address claimed by runner on any machine, or "".
func (e *Endpoints) Query(runner string) string {
	runner = strings.TrimSpace(runner)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, runners := range e.byMachine {
		if addr, ok := runners[runner]; ok {
			return addr
		}
	}
	return ""
}

// InverseQuery returns the runner owning address, or "".
func (e *Endpoints) InverseQuery(address string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byAddress[strings.TrimSpace(address)]
}

// Snapshot copies the runner -> address claims.
func (e *Endpoints) Snapshot() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.byAddress))
	for addr, runner := range e.byAddress {
		out[runner] = addr
	}
	return out
}
