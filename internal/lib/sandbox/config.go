package sandbox

import (
	"github.com/containers/containrs/internal/config/nsmgr"
	"github.com/containers/containrs/internal/hostport"
	"github.com/containers/containrs/utils/errdefs"
)

// SecurityConfig carries the security related settings of a sandbox. The
// profile references are opaque to this core and handed to the runtime
// unchanged.
type SecurityConfig struct {
	capabilities   []string
	seccompProfile string
	selinuxLabel   string
	privileged     bool
}

// NewSecurityConfig validates the provided values and returns the security
// configuration.
func NewSecurityConfig(capabilities []string, seccompProfile, selinuxLabel string, privileged bool) (*SecurityConfig, error) {
	for _, capability := range capabilities {
		if capability == "" {
			return nil, errdefs.Invalidf("empty capability provided")
		}
	}

	return &SecurityConfig{
		capabilities:   capabilities,
		seccompProfile: seccompProfile,
		selinuxLabel:   selinuxLabel,
		privileged:     privileged,
	}, nil
}

// Capabilities returns the Linux capability set.
func (c *SecurityConfig) Capabilities() []string {
	return c.capabilities
}

// SeccompProfile returns the seccomp profile reference.
func (c *SecurityConfig) SeccompProfile() string {
	return c.seccompProfile
}

// SelinuxLabel returns the SELinux label reference.
func (c *SecurityConfig) SelinuxLabel() string {
	return c.selinuxLabel
}

// Privileged returns whether the sandbox is privileged.
func (c *SecurityConfig) Privileged() bool {
	return c.privileged
}

// DNSConfig holds the resolver settings handed to the sandbox.
type DNSConfig struct {
	Servers  []string
	Searches []string
	Options  []string
}

// Config is the validated sandbox configuration. It is immutable after
// sandbox creation.
type Config struct {
	name         string
	namespace    string
	hostname     string
	logDir       string
	attempt      uint32
	namespaces   []nsmgr.NSType
	security     *SecurityConfig
	dns          *DNSConfig
	portMappings []*hostport.PortMapping
	labels       map[string]string
	annotations  map[string]string
}

// NewConfig validates the provided values and returns the immutable sandbox
// configuration. The name is required, everything else gets defaulted.
func NewConfig(
	name, namespace, hostname, logDir string,
	namespaces []nsmgr.NSType,
	security *SecurityConfig,
	dns *DNSConfig,
	portMappings []*hostport.PortMapping,
	labels, annotations map[string]string,
) (*Config, error) {
	if name == "" {
		return nil, errdefs.Invalidf("no sandbox name provided")
	}

	seen := map[nsmgr.NSType]bool{}
	for _, nsType := range namespaces {
		switch nsType {
		case nsmgr.NETNS, nsmgr.IPCNS, nsmgr.UTSNS, nsmgr.USERNS, nsmgr.PIDNS, nsmgr.CGROUPNS:
		default:
			return nil, errdefs.Invalidf("invalid namespace type %q", nsType)
		}
		if seen[nsType] {
			return nil, errdefs.Invalidf("duplicate namespace type %q", nsType)
		}
		seen[nsType] = true
	}

	if err := hostport.ValidatePortMappings(portMappings); err != nil {
		return nil, err
	}

	if namespace == "" {
		namespace = "default"
	}
	if security == nil {
		security = &SecurityConfig{}
	}
	if dns == nil {
		dns = &DNSConfig{}
	}

	return &Config{
		name:         name,
		namespace:    namespace,
		hostname:     hostname,
		logDir:       logDir,
		namespaces:   namespaces,
		security:     security,
		dns:          dns,
		portMappings: portMappings,
		labels:       labels,
		annotations:  annotations,
	}, nil
}

// Name returns the sandbox name.
func (c *Config) Name() string {
	return c.name
}

// Namespace returns the pod namespace the sandbox belongs to.
func (c *Config) Namespace() string {
	return c.namespace
}

// Hostname returns the requested hostname.
func (c *Config) Hostname() string {
	return c.hostname
}

// LogDir returns the log directory of the sandbox.
func (c *Config) LogDir() string {
	return c.logDir
}

// Attempt returns the creation attempt of the sandbox.
func (c *Config) Attempt() uint32 {
	return c.attempt
}

// SetAttempt sets the creation attempt. It has to be called before the
// configuration is used to create a sandbox.
func (c *Config) SetAttempt(attempt uint32) {
	c.attempt = attempt
}

// Namespaces returns the requested namespace types.
func (c *Config) Namespaces() []nsmgr.NSType {
	return c.namespaces
}

// Security returns the security configuration.
func (c *Config) Security() *SecurityConfig {
	return c.security
}

// DNS returns the resolver configuration.
func (c *Config) DNS() *DNSConfig {
	return c.dns
}

// PortMappings returns the requested port mappings.
func (c *Config) PortMappings() []*hostport.PortMapping {
	return c.portMappings
}

// Labels returns the sandbox labels.
func (c *Config) Labels() map[string]string {
	return c.labels
}

// Annotations returns the sandbox annotations.
func (c *Config) Annotations() map[string]string {
	return c.annotations
}
