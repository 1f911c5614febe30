package cni

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/containernetworking/cni/libcni"
	cnitypes "github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
	"github.com/sirupsen/logrus"

	"github.com/containers/containrs/internal/hostport"
	"github.com/containers/containrs/internal/log"
	"github.com/containers/containrs/utils/errdefs"
)

// SetHostPortManager lets the plugin install port mappings through the
// provided manager. Without one, a validating noop manager is used.
func (plugin *Plugin) SetHostPortManager(manager hostport.Manager) {
	plugin.Lock()
	defer plugin.Unlock()
	plugin.hostPorts = manager
}

func (plugin *Plugin) hostPortManager() hostport.Manager {
	plugin.RLock()
	defer plugin.RUnlock()

	return plugin.hostPorts
}

// Attach attaches the sandbox to its requested networks by invoking ADD on
// each plugin in order. Attach is all-or-nothing: on any plugin failure the
// already-attached networks are unwound with DEL in reverse order before
// the error is returned. Port mappings are installed as an additional step
// after interface assignment.
func (plugin *Plugin) Attach(ctx context.Context, pod *PodNetwork) (*CNIState, error) {
	if err := validatePodNetwork(pod); err != nil {
		return nil, err
	}
	if err := hostport.ValidatePortMappings(pod.PortMappings); err != nil {
		return nil, err
	}

	plugin.podLock(pod.ID)
	defer plugin.podUnlock(pod.ID)

	netNames := pod.Networks
	if len(netNames) == 0 {
		defaultName := plugin.GetDefaultNetworkName()
		if defaultName == "" {
			return nil, fmt.Errorf(errMissingDefaultNetwork, plugin.confDir)
		}
		netNames = []string{defaultName}
	}

	state := &CNIState{
		ContainerID: pod.ID,
		NetNSPath:   pod.NetNSPath,
	}

	for i, name := range netNames {
		network, err := plugin.getNetwork(name)
		if err != nil {
			plugin.rollbackAttach(ctx, pod, state)

			return nil, err
		}

		ifName := interfaceName(i)
		rt, err := buildRuntimeConf(pod, ifName)
		if err != nil {
			plugin.rollbackAttach(ctx, pod, state)

			return nil, err
		}

		log.Debugf(ctx, "Adding sandbox %s to CNI network %s (interface %s)",
			pod.ID, name, ifName)

		result, err := plugin.cniConfig.AddNetworkList(ctx, network.config, rt)
		if err != nil {
			// Unwind the partially added network, then the previously
			// attached ones in reverse order.
			if dErr := plugin.deleteFromNetwork(ctx, network, pod, ifName); dErr != nil {
				log.Warnf(ctx, "Failed to clean up partially attached network %s: %v", name, dErr)
			}
			plugin.rollbackAttach(ctx, pod, state)

			return nil, fmt.Errorf("add sandbox %s to network %s: %v: %w",
				pod.ID, name, err, errdefs.ErrProcessFailed)
		}

		attached, err := attachedNetworkFromResult(name, ifName, result)
		if err != nil {
			if dErr := plugin.deleteFromNetwork(ctx, network, pod, ifName); dErr != nil {
				log.Warnf(ctx, "Failed to clean up network %s: %v", name, dErr)
			}
			plugin.rollbackAttach(ctx, pod, state)

			return nil, err
		}

		state.Networks = append(state.Networks, attached)
	}

	if len(pod.PortMappings) > 0 {
		podIP := ""
		if ips := state.IPs(); len(ips) > 0 {
			podIP = ips[0]
		}

		if err := plugin.hostPortManager().Add(pod.ID, pod.Name, podIP, pod.PortMappings); err != nil {
			plugin.rollbackAttach(ctx, pod, state)

			return nil, fmt.Errorf("install port mappings for sandbox %s: %w", pod.ID, err)
		}
	}

	return state, nil
}

// Detach removes the sandbox from every network recorded in its CNIState,
// issuing DEL in reverse attach order. A nil state and networks which are
// no longer configured are skipped, which makes the call idempotent.
func (plugin *Plugin) Detach(ctx context.Context, pod *PodNetwork, state *CNIState) error {
	if err := validatePodNetwork(pod); err != nil {
		return err
	}
	if state == nil || len(state.Networks) == 0 {
		return nil
	}

	plugin.podLock(pod.ID)
	defer plugin.podUnlock(pod.ID)

	if len(pod.PortMappings) > 0 {
		if err := plugin.hostPortManager().Remove(pod.ID, pod.PortMappings); err != nil {
			log.Warnf(ctx, "Failed to remove port mappings of sandbox %s: %v", pod.ID, err)
		}
	}

	var errResult error
	for i := len(state.Networks) - 1; i >= 0; i-- {
		attached := state.Networks[i]

		network, err := plugin.getNetwork(attached.Name)
		if err != nil {
			log.Warnf(ctx, "Skipping detach of sandbox %s from unknown network %s",
				pod.ID, attached.Name)

			continue
		}

		if err := plugin.deleteFromNetwork(ctx, network, pod, attached.IfName); err != nil {
			errResult = err
		}
	}

	return errResult
}

func (plugin *Plugin) rollbackAttach(ctx context.Context, pod *PodNetwork, state *CNIState) {
	for i := len(state.Networks) - 1; i >= 0; i-- {
		attached := state.Networks[i]

		network, err := plugin.getNetwork(attached.Name)
		if err != nil {
			continue
		}

		if err := plugin.deleteFromNetwork(ctx, network, pod, attached.IfName); err != nil {
			log.Warnf(ctx, "Failed to roll back network %s of sandbox %s: %v",
				attached.Name, pod.ID, err)
		}
	}
}

func (plugin *Plugin) deleteFromNetwork(ctx context.Context, network *cniNetwork, pod *PodNetwork, ifName string) error {
	rt, err := buildRuntimeConf(pod, ifName)
	if err != nil {
		return err
	}

	logrus.Debugf("Deleting sandbox %s from CNI network %s", pod.ID, network.name)

	if err := plugin.cniConfig.DelNetworkList(ctx, network.config, rt); err != nil {
		return fmt.Errorf("delete sandbox %s from network %s: %v: %w",
			pod.ID, network.name, err, errdefs.ErrProcessFailed)
	}

	return nil
}

func validatePodNetwork(pod *PodNetwork) error {
	if pod == nil {
		return errdefs.Invalidf("no pod network provided")
	}
	if pod.ID == "" {
		return errdefs.Invalidf("no sandbox ID provided")
	}
	if pod.NetNSPath == "" {
		return errdefs.Invalidf("no network namespace path provided for sandbox %s", pod.ID)
	}

	return nil
}

func interfaceName(index int) string {
	return fmt.Sprintf("eth%d", index)
}

func buildRuntimeConf(pod *PodNetwork, ifName string) (*libcni.RuntimeConf, error) {
	rt := &libcni.RuntimeConf{
		ContainerID: pod.ID,
		NetNS:       pod.NetNSPath,
		IfName:      ifName,
		Args: [][2]string{
			{"IgnoreUnknown", "1"},
			{"K8S_POD_NAMESPACE", pod.Namespace},
			{"K8S_POD_NAME", pod.Name},
			{"K8S_POD_INFRA_CONTAINER_ID", pod.ID},
		},
		CapabilityArgs: map[string]interface{}{},
	}

	// Propagate existing CNI_ARGS to non-k8s consumers
	for _, kvpairs := range strings.Split(os.Getenv("CNI_ARGS"), ";") {
		if keyval := strings.SplitN(kvpairs, "=", 2); len(keyval) == 2 {
			rt.Args = append(rt.Args, [2]string{keyval[0], keyval[1]})
		}
	}

	if len(pod.PortMappings) > 0 {
		rt.CapabilityArgs["portMappings"] = pod.PortMappings
	}

	return rt, nil
}

func attachedNetworkFromResult(name, ifName string, result cnitypes.Result) (*AttachedNetwork, error) {
	converted, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert result of network %s: %v: %w",
			name, err, errdefs.ErrProcessFailed)
	}

	attached := &AttachedNetwork{
		Name:   name,
		IfName: ifName,
	}

	for _, ip := range converted.IPs {
		attached.IPs = append(attached.IPs, ip.Address.IP.String())
		if attached.Gateway == "" && ip.Gateway != nil {
			attached.Gateway = ip.Gateway.String()
		}
	}

	return attached, nil
}
