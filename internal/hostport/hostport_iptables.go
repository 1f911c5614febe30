package hostport

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/containers/containrs/utils/cmdrunner"
	"github.com/containers/containrs/utils/errdefs"
)

const (
	// the chain all hostport jumps are collected in.
	hostportsChain = "CRS-HOSTPORTS"
	// prefix for the per-mapping chains.
	hostportChainPrefix = "CRS-HP-"

	natTable = "nat"
)

// iptablesManager is the iptables backed Manager implementation. It drives
// the iptables binary and keeps one DNAT chain per mapping, named after a
// hash of sandbox ID and mapping so that Remove works without the pod IP.
type iptablesManager struct {
	iptablesPath string
	mu           sync.Mutex
}

// NewIPTablesManager creates a new iptables backed Manager.
func NewIPTablesManager(iptablesPath string) (Manager, error) {
	if iptablesPath == "" {
		return nil, errdefs.Invalidf("no iptables binary path provided")
	}

	return &iptablesManager{iptablesPath: iptablesPath}, nil
}

func (hm *iptablesManager) Add(id, name, podIP string, mappings []*PortMapping) error {
	if err := ValidatePortMappings(mappings); err != nil {
		return err
	}
	if len(mappings) == 0 {
		return nil
	}
	if net.ParseIP(podIP) == nil {
		return errdefs.Invalidf("unable to parse pod IP %q", podIP)
	}

	// Ensure atomicity for iptables operations
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if err := hm.ensureHostportsChain(); err != nil {
		return err
	}

	installed := []*PortMapping{}
	for _, pm := range mappings {
		if err := hm.installMapping(id, name, podIP, pm); err != nil {
			// Roll back the rules already installed by this call,
			// including the partial ones of the failed mapping.
			if rErr := hm.removeMapping(id, pm); rErr != nil {
				logrus.Warnf("Failed to roll back hostport %s: %v", pm, rErr)
			}
			for i := len(installed) - 1; i >= 0; i-- {
				if rErr := hm.removeMapping(id, installed[i]); rErr != nil {
					logrus.Warnf("Failed to roll back hostport %s: %v", installed[i], rErr)
				}
			}

			return err
		}

		installed = append(installed, pm)
	}

	return nil
}

func (hm *iptablesManager) Remove(id string, mappings []*PortMapping) error {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	for i := len(mappings) - 1; i >= 0; i-- {
		if err := hm.removeMapping(id, mappings[i]); err != nil {
			return err
		}
	}

	return nil
}

// ensureHostportsChain creates the collector chain and its jump from
// PREROUTING if they do not exist yet.
func (hm *iptablesManager) ensureHostportsChain() error {
	if err := hm.run("-t", natTable, "-N", hostportsChain); err != nil &&
		!isChainExistsError(err) {
		return err
	}

	jumpArgs := []string{
		"-m", "addrtype", "--dst-type", "LOCAL",
		"-j", hostportsChain,
	}
	if err := hm.run(append([]string{"-t", natTable, "-C", "PREROUTING"}, jumpArgs...)...); err != nil {
		return hm.run(append([]string{"-t", natTable, "-I", "PREROUTING"}, jumpArgs...)...)
	}

	return nil
}

func (hm *iptablesManager) installMapping(id, name, podIP string, pm *PortMapping) error {
	chain := hostportChain(id, pm)
	protocol := strings.ToLower(string(pm.Protocol))

	if err := hm.run("-t", natTable, "-N", chain); err != nil && !isChainExistsError(err) {
		return err
	}

	// DNAT to the podIP:containerPort
	dnatArgs := []string{
		"-t", natTable, "-A", chain,
		"-m", "comment", "--comment", fmt.Sprintf("%s hostport %d", name, pm.HostPort),
		"-m", protocol, "-p", protocol,
	}
	if pm.HostIP != "" && pm.HostIP != "0.0.0.0" && pm.HostIP != "::" {
		dnatArgs = append(dnatArgs, "-d", pm.HostIP)
	}
	dnatArgs = append(dnatArgs, "-j", "DNAT", "--to-destination",
		net.JoinHostPort(podIP, strconv.Itoa(int(pm.ContainerPort))))
	if err := hm.run(dnatArgs...); err != nil {
		return err
	}

	// Prepend the jump to the collector chain, which avoids leaking rules
	// taking up the same port.
	return hm.run(append([]string{"-t", natTable, "-I", hostportsChain}, jumpSpec(chain, pm)...)...)
}

// jumpSpec returns the rule matching a mapping's jump into its DNAT chain.
// Insert and delete have to use the identical spec, iptables -D only
// removes exact matches.
func jumpSpec(chain string, pm *PortMapping) []string {
	protocol := strings.ToLower(string(pm.Protocol))

	return []string{
		"-m", protocol, "-p", protocol,
		"--dport", strconv.Itoa(int(pm.HostPort)),
		"-j", chain,
	}
}

func (hm *iptablesManager) removeMapping(id string, pm *PortMapping) error {
	chain := hostportChain(id, pm)

	// Delete the jump first so no traffic reaches the chain while it gets
	// flushed. A missing jump or chain means the mapping is already gone.
	if err := hm.run(append([]string{"-t", natTable, "-D", hostportsChain}, jumpSpec(chain, pm)...)...); err != nil {
		logrus.Debugf("Hostport jump for chain %s already removed: %v", chain, err)
	}

	if err := hm.run("-t", natTable, "-F", chain); err != nil {
		return nil
	}

	return hm.run("-t", natTable, "-X", chain)
}

func (hm *iptablesManager) run(args ...string) error {
	output, err := cmdrunner.CombinedOutput(hm.iptablesPath, args...)
	if err != nil {
		return fmt.Errorf("iptables %v: %s: %w", args, output, err)
	}

	return nil
}

func isChainExistsError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Chain already exists")
}

// hostportChain returns a chain name for the mapping, stable across calls
// and unlikely to collide with other mappings.
func hostportChain(id string, pm *PortMapping) string {
	hash := sha256.Sum256([]byte(id + strconv.Itoa(int(pm.HostPort)) + string(pm.Protocol) + pm.HostIP))
	encoded := base32.StdEncoding.EncodeToString(hash[:])

	return hostportChainPrefix + encoded[:16]
}
