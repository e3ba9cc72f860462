// Package config loads the environment-variable options that govern a
// running CIS, memory server, or metadata server: fabric selection,
// thread/context model, striping size, and the RPC binding to expose.
// Every process loads the same FAMConfig; which fields it actually reads
// depends on which service main() it is.
package config

import (
	"errors"
	"strings"
)

const (
	kb = 1024
	mb = 1024 * kb
	gb = 1024 * mb

	defaultInterleaveSize uint64 = 256 * kb
	defaultNumConsumer    int64  = 4
	defaultThreadModel           = ThreadModelSerialize
	defaultContextModel          = ContextModelDefault
	defaultOpenFAMModel          = OpenFAMModelMemoryServer
	defaultRPCFramework          = `tcp`
)

// env var names, mirroring the FAM_*/CIS_*/MEMSERVER_* table.
const (
	envCISServer        string = `CIS_SERVER`
	envMemserverList     string = `MEMSERVER_LIST`
	envLibfabricProvider string = `LIBFABRIC_PROVIDER`
	envThreadModel       string = `FAM_THREAD_MODEL`
	envContextModel      string = `FAM_CONTEXT_MODEL`
	envOpenFAMModel      string = `OPENFAM_MODEL`
	envInterleaveSize    string = `INTERLEAVE_SIZE`
	envRPCFramework      string = `RPC_FRAMEWORK`
	envEnableResRelease  string = `ENABLE_RESOURCE_RELEASE`
	envNumConsumer       string = `NUM_CONSUMER`
	envLogLevel          string = `FAM_LOG_LEVEL`
	envDataDir           string = `FAM_DATA_DIR`
	envBackupDir         string = `FAM_BACKUP_DIR`
	envMetadataDBPath    string = `FAM_METADATA_DB`
	envListenAddr        string = `FAM_LISTEN_ADDR`
	envCopyRateLimit     string = `FAM_COPY_RATE_LIMIT_BPS`

	DefaultCISPort       uint16 = 8787
	DefaultMemserverPort uint16 = 8789
	DefaultMDSPort       uint16 = 8788
)

// ThreadModel selects how many libfabric contexts a client opens.
type ThreadModel string

const (
	ThreadModelSerialize ThreadModel = `SERIALIZE`
	ThreadModelMultiple  ThreadModel = `MULTIPLE`
)

// ContextModel selects context sharing granularity.
type ContextModel string

const (
	ContextModelDefault ContextModel = `DEFAULT`
	ContextModelRegion  ContextModel = `REGION`
)

// OpenFAMModel selects the deployment topology.
type OpenFAMModel string

const (
	OpenFAMModelMemoryServer OpenFAMModel = `memory_server`
	OpenFAMModelSharedMemory OpenFAMModel = `shared_memory`
)

var (
	ErrNoMemservers          = errors.New("no memory servers specified")
	ErrInvalidInterleaveSize = errors.New("interleave size must be a power of two")
	ErrInvalidThreadModel    = errors.New("invalid FAM_THREAD_MODEL")
	ErrInvalidContextModel   = errors.New("invalid FAM_CONTEXT_MODEL")
	ErrInvalidOpenFAMModel   = errors.New("invalid OPENFAM_MODEL")
	ErrInvalidLogLevel       = errors.New("invalid log level")
)

// FAMConfig holds the full set of options recognized at service start.
// Fields are exported and each is loaded from one env var by Load, so a
// service main() can Verify() once after populating defaults from the
// environment.
type FAMConfig struct {
	CISServer              string
	MemserverList          []string
	LibfabricProvider      string
	ThreadModel            string
	ContextModel           string
	OpenFAMModel           string
	InterleaveSize         uint64
	RPCFramework           string
	EnableResourceRelease  bool
	NumConsumer            int64
	LogLevel               string
	DataDir                string
	BackupDir              string
	MetadataDBPath         string
	ListenAddr             string
	CopyRateLimitBPS       int64
}

// Load populates a FAMConfig from the process environment, applying
// defaults for anything unset. Secrets and list values may be supplied
// indirectly via a "<NAME>_FILE" pointer, the same convention used for
// every string/list field.
func Load() (*FAMConfig, error) {
	c := &FAMConfig{}
	if err := LoadEnvVar(&c.CISServer, envCISServer, ``); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.MemserverList, envMemserverList, nil); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.LibfabricProvider, envLibfabricProvider, `sockets`); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.ThreadModel, envThreadModel, string(defaultThreadModel)); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.ContextModel, envContextModel, string(defaultContextModel)); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.OpenFAMModel, envOpenFAMModel, string(defaultOpenFAMModel)); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.InterleaveSize, envInterleaveSize, defaultInterleaveSize); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.RPCFramework, envRPCFramework, defaultRPCFramework); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.EnableResourceRelease, envEnableResRelease, false); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.NumConsumer, envNumConsumer, defaultNumConsumer); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.LogLevel, envLogLevel, `INFO`); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.DataDir, envDataDir, `/var/lib/famsvc/data`); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.BackupDir, envBackupDir, `/var/lib/famsvc/backup`); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.MetadataDBPath, envMetadataDBPath, `/var/lib/famsvc/metadata.db`); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.ListenAddr, envListenAddr, ``); err != nil {
		return nil, err
	}
	if err := LoadEnvVar(&c.CopyRateLimitBPS, envCopyRateLimit, int64(0)); err != nil {
		return nil, err
	}
	return c, nil
}

// Verify normalizes string-typed enums and checks cross-field invariants.
// Call it once after Load, or after manually populating a FAMConfig in tests.
func (c *FAMConfig) Verify() error {
	c.ThreadModel = strings.ToUpper(strings.TrimSpace(c.ThreadModel))
	c.ContextModel = strings.ToUpper(strings.TrimSpace(c.ContextModel))
	c.LogLevel = strings.ToUpper(strings.TrimSpace(c.LogLevel))

	switch ThreadModel(c.ThreadModel) {
	case ThreadModelSerialize, ThreadModelMultiple:
	default:
		return ErrInvalidThreadModel
	}
	switch ContextModel(c.ContextModel) {
	case ContextModelDefault, ContextModelRegion:
	default:
		return ErrInvalidContextModel
	}
	switch OpenFAMModel(c.OpenFAMModel) {
	case OpenFAMModelMemoryServer, OpenFAMModelSharedMemory:
	default:
		return ErrInvalidOpenFAMModel
	}
	if OpenFAMModel(c.OpenFAMModel) == OpenFAMModelMemoryServer && len(c.MemserverList) == 0 {
		return ErrNoMemservers
	}
	if c.InterleaveSize == 0 || (c.InterleaveSize&(c.InterleaveSize-1)) != 0 {
		return ErrInvalidInterleaveSize
	}
	switch c.LogLevel {
	case `OFF`, `DEBUG`, `INFO`, `WARN`, `ERROR`:
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

// Memservers returns the configured memory-server addresses with a
// default port appended to any entry that omits one.
func (c *FAMConfig) Memservers() []string {
	out := make([]string, 0, len(c.MemserverList))
	for _, v := range c.MemserverList {
		out = append(out, AppendDefaultPort(v, DefaultMemserverPort))
	}
	return out
}

// CIS returns the CIS address with the default port appended if needed.
func (c *FAMConfig) CIS() string {
	return AppendDefaultPort(c.CISServer, DefaultCISPort)
}
