package cni

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	cniinvoke "github.com/containernetworking/cni/pkg/invoke"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/containers/containrs/internal/hostport"
	"github.com/containers/containrs/utils/errdefs"
)

const errMissingDefaultNetwork = "no CNI configuration file in %s. Has your network provider started?"

// Plugin manages the ordered set of configured CNI networks and attaches
// sandboxes to them.
type Plugin struct {
	sync.RWMutex
	networks       map[string]*cniNetwork
	defaultNetName netName

	confDir   string
	binDirs   []string
	cniConfig *libcni.CNIConfig
	hostPorts hostport.Manager

	shutdownChan chan struct{}
	watcher      *fsnotify.Watcher
	done         *sync.WaitGroup

	// The pod map provides one lock per sandbox so that operations on the
	// same sandbox serialize while different sandboxes never block each
	// other.
	podsLock sync.Mutex
	pods     map[string]*podLock
}

type netName struct {
	name string
	// changeable is true when no explicit default name was configured, in
	// which case file sorting determines the default network.
	changeable bool
}

type cniNetwork struct {
	name     string
	filePath string
	config   *libcni.NetworkConfigList
}

type podLock struct {
	refcount uint
	mu       sync.Mutex
}

// New creates a new CNI Plugin for the provided configuration and binary
// directories and starts watching the configuration directory. If
// defaultNetName is empty the lexicographically first network is the
// default and follows configuration changes.
func New(defaultNetName, confDir, cacheDir string, binDirs ...string) (*Plugin, error) {
	return newPlugin(nil, defaultNetName, confDir, cacheDir, true, binDirs...)
}

// NewWithExec behaves like New but invokes the plugins through the provided
// exec implementation and does not start the watcher. Used by tests.
func NewWithExec(exec cniinvoke.Exec, defaultNetName, confDir, cacheDir string, binDirs ...string) (*Plugin, error) {
	return newPlugin(exec, defaultNetName, confDir, cacheDir, false, binDirs...)
}

func newPlugin(exec cniinvoke.Exec, defaultNetName, confDir, cacheDir string, useWatcher bool, binDirs ...string) (*Plugin, error) {
	if confDir == "" {
		return nil, errdefs.Invalidf("no CNI configuration directory provided")
	}
	if len(binDirs) == 0 {
		return nil, errdefs.Invalidf("no CNI plugin directories provided")
	}

	plugin := &Plugin{
		networks: map[string]*cniNetwork{},
		defaultNetName: netName{
			name:       defaultNetName,
			changeable: defaultNetName == "",
		},
		confDir:      confDir,
		binDirs:      binDirs,
		cniConfig:    libcni.NewCNIConfigWithCacheDir(binDirs, cacheDir, exec),
		hostPorts:    hostport.NewNoopManager(),
		shutdownChan: make(chan struct{}),
		done:         &sync.WaitGroup{},
		pods:         map[string]*podLock{},
	}

	if err := plugin.syncNetworkConfig(); err != nil {
		// The config dir may fill up later, the watcher will pick it up.
		logrus.Warnf("Initial CNI config sync failed: %v", err)
	}

	if useWatcher {
		watcher, err := newWatcher(confDir)
		if err != nil {
			return nil, err
		}
		plugin.watcher = watcher

		startWg := &sync.WaitGroup{}
		startWg.Add(1)
		go plugin.monitorConfDir(startWg)
		startWg.Wait()
	}

	return plugin, nil
}

// Shutdown stops the configuration watcher.
func (plugin *Plugin) Shutdown() error {
	close(plugin.shutdownChan)
	if plugin.watcher != nil {
		plugin.watcher.Close()
	}
	plugin.done.Wait()

	return nil
}

func newWatcher(confDir string) (*fsnotify.Watcher, error) {
	// Ensure the directory exists because the fsnotify watch logic
	// depends on it.
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %q: %w", confDir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create new watcher: %w", err)
	}

	if err := watcher.Add(confDir); err != nil {
		watcher.Close()

		return nil, fmt.Errorf("failed to add watch on %q: %w", confDir, err)
	}

	return watcher, nil
}

func (plugin *Plugin) monitorConfDir(start *sync.WaitGroup) {
	start.Done()
	plugin.done.Add(1)

	defer plugin.done.Done()

	for {
		select {
		case event := <-plugin.watcher.Events:
			logrus.Infof("CNI monitoring event %v", event)

			var defaultDeleted bool

			createWriteRename := event.Op&fsnotify.Create == fsnotify.Create ||
				event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Rename == fsnotify.Rename

			if event.Op&fsnotify.Remove == fsnotify.Remove {
				// Care about the event if the default network
				// was just deleted
				defNet := plugin.getDefaultNetwork()
				if defNet != nil && event.Name == defNet.filePath {
					defaultDeleted = true
				}
			}

			if !createWriteRename && !defaultDeleted {
				continue
			}

			if err := plugin.syncNetworkConfig(); err != nil {
				logrus.Errorf("CNI config loading failed, continue monitoring: %v", err)

				continue
			}

		case err := <-plugin.watcher.Errors:
			if err == nil {
				continue
			}

			logrus.Errorf("CNI monitoring error %v", err)

			return

		case <-plugin.shutdownChan:
			return
		}
	}
}

// loadNetworks parses all configuration files below the conf dir into the
// ordered network set. Files which do not parse are skipped with a log
// line.
func loadNetworks(confDir string) (networks map[string]*cniNetwork, defaultNetName string, err error) {
	files, err := libcni.ConfFiles(confDir, []string{".conf", ".conflist", ".json"})
	if err != nil {
		return nil, "", err
	}

	networks = make(map[string]*cniNetwork)

	sort.Strings(files)

	for _, confFile := range files {
		var confList *libcni.NetworkConfigList
		if strings.HasSuffix(confFile, ".conflist") {
			confList, err = libcni.ConfListFromFile(confFile)
			if err != nil {
				logrus.Errorf("Error loading CNI config list file %s: %v", confFile, err)

				continue
			}
		} else {
			conf, err := libcni.ConfFromFile(confFile)
			if err != nil {
				logrus.Errorf("Error loading CNI config file %s: %v", confFile, err)

				continue
			}

			confList, err = libcni.ConfListFromConf(conf)
			if err != nil {
				logrus.Errorf("Error converting CNI config file %s to list: %v", confFile, err)

				continue
			}
		}

		if len(confList.Plugins) == 0 {
			logrus.Infof("CNI config list %s has no networks, skipping", confFile)

			continue
		}

		if confList.Name == "" {
			confList.Name = path.Base(confFile)
		}

		if _, ok := networks[confList.Name]; ok {
			logrus.Infof("Ignored CNI network %s at %s because it already exists", confList.Name, confFile)

			continue
		}

		logrus.Infof("Found CNI network %s (type=%v) at %s",
			confList.Name, confList.Plugins[0].Network.Type, confFile)

		networks[confList.Name] = &cniNetwork{
			name:     confList.Name,
			filePath: confFile,
			config:   confList,
		}

		if defaultNetName == "" {
			defaultNetName = confList.Name
		}
	}

	return networks, defaultNetName, nil
}

// syncNetworkConfig reloads the configuration directory and swaps the
// in-memory network set atomically under the write lock. Already attached
// sandboxes are not affected.
func (plugin *Plugin) syncNetworkConfig() error {
	networks, defaultNetName, err := loadNetworks(plugin.confDir)
	if err != nil {
		return err
	}

	plugin.Lock()
	defer plugin.Unlock()

	if plugin.defaultNetName.changeable {
		plugin.defaultNetName.name = defaultNetName

		if defaultNetName != "" {
			logrus.Infof("Updated default CNI network name to %s", defaultNetName)
		}
	} else {
		logrus.Debugf("Default CNI network name %s is unchangeable", plugin.defaultNetName.name)
	}

	plugin.networks = networks

	return nil
}

// GetDefaultNetworkName returns the name of the current default network.
func (plugin *Plugin) GetDefaultNetworkName() string {
	plugin.RLock()
	defer plugin.RUnlock()

	return plugin.defaultNetName.name
}

func (plugin *Plugin) getDefaultNetwork() *cniNetwork {
	plugin.RLock()
	defer plugin.RUnlock()

	if plugin.defaultNetName.name == "" {
		return nil
	}

	return plugin.networks[plugin.defaultNetName.name]
}

func (plugin *Plugin) getNetwork(name string) (*cniNetwork, error) {
	plugin.RLock()
	defer plugin.RUnlock()

	network, ok := plugin.networks[name]
	if !ok {
		return nil, errdefs.NotFoundf("CNI network %q", name)
	}

	return network, nil
}

// Status returns an error if the default network is not configured.
func (plugin *Plugin) Status() error {
	if plugin.getDefaultNetwork() == nil {
		return fmt.Errorf(errMissingDefaultNetwork, plugin.confDir)
	}

	return nil
}

// Networks returns the names of the currently configured networks, sorted
// by name.
func (plugin *Plugin) Networks() []string {
	plugin.RLock()
	defer plugin.RUnlock()

	names := make([]string, 0, len(plugin.networks))
	for name := range plugin.networks {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func (plugin *Plugin) podLock(id string) {
	plugin.podsLock.Lock()
	lock, ok := plugin.pods[id]
	if !ok {
		lock = &podLock{}
		plugin.pods[id] = lock
	}
	lock.refcount++
	plugin.podsLock.Unlock()

	lock.mu.Lock()
}

func (plugin *Plugin) podUnlock(id string) {
	plugin.podsLock.Lock()
	defer plugin.podsLock.Unlock()

	lock, ok := plugin.pods[id]
	if !ok {
		logrus.Errorf("Cannot find reference in refcount map for %s", id)

		return
	}

	lock.refcount--
	lock.mu.Unlock()

	if lock.refcount == 0 {
		delete(plugin.pods, id)
	}
}
