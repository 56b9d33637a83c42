package config

import (
	"strings"

	"fmt"

	"encoding/json"

	"sync"

	"path"

	"github.com/go-ini/ini"
	"github.com/helixengine/helixnet/engine/hxlog"
)

const (
	_DEFAULT_CONFIG_FILE = "helixnet.ini"
	_DEFAULT_LOG_LEVEL   = "debug"
	_DEFAULT_DRIVER      = "local"
	_DEFAULT_ADDRESS     = "127.0.0.1"
	_DEFAULT_PORT        = 7777
	_DEFAULT_NETWORK_FPS = 60
	_DEFAULT_MAX_CLIENTS = 100
)

var (
	configFilePath = _DEFAULT_CONFIG_FILE
	helixNetConfig *HelixNetConfig
	configLock     sync.Mutex
)

// NetworkConfig defines fields of the [network] config section
type NetworkConfig struct {
	// NetworkFPS is the replication rate cap: negative disables replication,
	// zero replicates on every manager tick, positive limits to that rate
	NetworkFPS          float64
	Driver              string
	Address             string
	Port                int
	MaxClients          int
	ProtocolVersion     uint32
	GameProtocolVersion uint32
	CompressConnection  bool
	LogFile             string
	LogStderr           bool
	LogLevel            string
}

// DriverOptions holds the raw keys of a [driver.xxx] section; each transport
// driver interprets its own options
type DriverOptions map[string]string

// HelixNetConfig defines the total config file structure
type HelixNetConfig struct {
	Network NetworkConfig
	Drivers map[string]DriverOptions
}

// DefaultNetworkConfig returns a NetworkConfig with all defaults set, for
// configuring a session programmatically without a config file
func DefaultNetworkConfig() *NetworkConfig {
	nc := &NetworkConfig{}
	setNetworkDefaults(nc)
	return nc
}

// SetConfigFile sets the config file path (helixnet.ini by default)
func SetConfigFile(f string) {
	configFilePath = f
}

// GetConfigDir returns the directory of helixnet.ini
func GetConfigDir() string {
	dir, _ := path.Split(configFilePath)
	return dir
}

// GetConfigFilePath returns the config file path
func GetConfigFilePath() string {
	return configFilePath
}

// Get returns the total helixnet config
func Get() *HelixNetConfig {
	configLock.Lock()
	defer configLock.Unlock() // protect concurrent access from sessions
	if helixNetConfig == nil {
		helixNetConfig = readHelixNetConfig()
	}
	return helixNetConfig
}

// Reload forces to reload the whole config
func Reload() *HelixNetConfig {
	configLock.Lock()
	helixNetConfig = nil
	configLock.Unlock()

	return Get()
}

// GetNetwork returns the network config
func GetNetwork() *NetworkConfig {
	return &Get().Network
}

// GetDriverOptions returns the raw options of the named driver section,
// nil if the section is absent
func GetDriverOptions(driver string) DriverOptions {
	return Get().Drivers[strings.ToLower(driver)]
}

// DumpPretty format config to string in pretty format
func DumpPretty(cfg interface{}) string {
	s, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(s)
}

func readHelixNetConfig() *HelixNetConfig {
	config := HelixNetConfig{
		Drivers: map[string]DriverOptions{},
	}
	hxlog.Infof("Using config file: %s", configFilePath)
	iniFile, err := ini.Load(configFilePath)
	checkConfigError(err, "")
	setNetworkDefaults(&config.Network)
	for _, sec := range iniFile.Sections() {
		secName := sec.Name()
		if secName == "DEFAULT" {
			continue
		}

		secName = strings.ToLower(secName)
		if secName == "network" {
			readNetworkConfig(sec, &config.Network)
		} else if strings.HasPrefix(secName, "driver.") {
			config.Drivers[secName[len("driver."):]] = readDriverOptions(sec)
		} else {
			hxlog.Errorf("unknown section: %s", secName)
		}
	}

	validateConfig(&config)
	return &config
}

func setNetworkDefaults(nc *NetworkConfig) {
	nc.NetworkFPS = _DEFAULT_NETWORK_FPS
	nc.Driver = _DEFAULT_DRIVER
	nc.Address = _DEFAULT_ADDRESS
	nc.Port = _DEFAULT_PORT
	nc.MaxClients = _DEFAULT_MAX_CLIENTS
	nc.ProtocolVersion = 1
	nc.GameProtocolVersion = 0
	nc.LogFile = ""
	nc.LogStderr = true
	nc.LogLevel = _DEFAULT_LOG_LEVEL
}

func readNetworkConfig(sec *ini.Section, nc *NetworkConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "network_fps" {
			nc.NetworkFPS = key.MustFloat64(nc.NetworkFPS)
		} else if name == "driver" {
			nc.Driver = key.MustString(nc.Driver)
		} else if name == "address" {
			nc.Address = key.MustString(nc.Address)
		} else if name == "port" {
			nc.Port = key.MustInt(nc.Port)
		} else if name == "max_clients" {
			nc.MaxClients = key.MustInt(nc.MaxClients)
		} else if name == "protocol_version" {
			nc.ProtocolVersion = uint32(key.MustUint(uint(nc.ProtocolVersion)))
		} else if name == "game_protocol_version" {
			nc.GameProtocolVersion = uint32(key.MustUint(uint(nc.GameProtocolVersion)))
		} else if name == "compress_connection" {
			nc.CompressConnection = key.MustBool(nc.CompressConnection)
		} else if name == "log_file" {
			nc.LogFile = key.MustString(nc.LogFile)
		} else if name == "log_stderr" {
			nc.LogStderr = key.MustBool(nc.LogStderr)
		} else if name == "log_level" {
			nc.LogLevel = key.MustString(nc.LogLevel)
		} else {
			hxlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readDriverOptions(sec *ini.Section) DriverOptions {
	opts := DriverOptions{}
	for _, key := range sec.Keys() {
		opts[strings.ToLower(key.Name())] = key.MustString("")
	}
	return opts
}

func validateConfig(config *HelixNetConfig) {
	nc := &config.Network
	if nc.Driver == "" {
		fmt.Fprintf(hxlog.GetOutput(), "%s\n", DumpPretty(nc))
		hxlog.Panicf("invalid network config above: driver is not set")
	}
	if nc.MaxClients <= 0 {
		fmt.Fprintf(hxlog.GetOutput(), "%s\n", DumpPretty(nc))
		hxlog.Panicf("invalid network config above: max_clients must be positive")
	}
	if nc.Port < 0 || nc.Port > 65535 {
		fmt.Fprintf(hxlog.GetOutput(), "%s\n", DumpPretty(nc))
		hxlog.Panicf("invalid network config above: bad port %d", nc.Port)
	}
}

func checkConfigError(err error, msg string) {
	if err != nil {
		if msg == "" {
			msg = err.Error()
		}
		hxlog.Panicf("read config error: %s", msg)
	}
}
