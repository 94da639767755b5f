package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jessevdk/go-flags"
	"github.com/leafo/blackkeys/internal/bridge"
	"github.com/leafo/blackkeys/internal/catalog"
	"github.com/mitchellh/go-homedir"
	strduration "github.com/xhit/go-str2duration/v2"
)

const (
	appName = "blackkeys"

	defaultDataDir       = "~/.blackkeys"
	defaultConfigFile    = defaultDataDir + "/blackkeys.conf"
	defaultDebugLevel    = "info"
	defaultVirtualOutput = "Black Keys"
)

// errHelp is returned by loadConfig after the usage was printed.
var errHelp = errors.New("help requested")

type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to the configuration file" toml:"-"`
	DataDir    string `long:"datadir" description:"Directory holding the saved selection and the lock file" toml:"datadir"`
	LogFile    string `long:"logfile" description:"Log file (default: <datadir>/logs/blackkeys.log)" toml:"logfile"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Log level for all subsystems {trace, debug, info, warn, error, critical} or subsys=level pairs" toml:"debuglevel"`
	Quiet      bool   `short:"q" long:"quiet" description:"Do not log to stdout" toml:"quiet"`

	VirtualOutput     string   `long:"virtualoutput" description:"Name of the virtual output port to create; empty disables it" toml:"virtualoutput"`
	VirtualBusMarkers []string `long:"virtualbusmarker" description:"Port name substring identifying a virtual bus (may be repeated)" toml:"virtualbusmarkers"`

	WatchPaths   []string `long:"watchpath" description:"Directory watched for device changes (may be repeated)" toml:"watchpaths"`
	PollInterval string   `long:"pollinterval" description:"Interval between device list checks; 0 disables polling" toml:"pollinterval"`

	ListenPrometheus string `long:"listenprometheus" description:"Address to serve prometheus metrics on" toml:"listenprometheus"`
	NoConsole        bool   `long:"noconsole" description:"Do not read commands from stdin" toml:"noconsole"`
	List             bool   `short:"l" long:"list" description:"List the available devices and exit" toml:"-"`

	pollInterval time.Duration
}

func defaultConfig() config {
	return config{
		ConfigFile:    defaultConfigFile,
		DataDir:       defaultDataDir,
		DebugLevel:    defaultDebugLevel,
		VirtualOutput: defaultVirtualOutput,
		PollInterval:  bridge.DefaultPollInterval.String(),
	}
}

func parseArgs(cfg *config, args []string) error {
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = appName
	_, err := parser.ParseArgs(args)
	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
		fmt.Fprintln(os.Stdout, err)
		return errHelp
	}
	return err
}

func expandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	res, err := homedir.Expand(os.ExpandEnv(path))
	if err != nil {
		return "", err
	}
	return filepath.Clean(res), nil
}

// loadConfig builds the configuration from the defaults, then the config
// file, then the command line.
func loadConfig(args []string) (*config, error) {
	// Only the config file location is needed from the first pass.
	preCfg := defaultConfig()
	if err := parseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	cfgFile, err := expandPath(preCfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	md, err := toml.DecodeFile(cfgFile, &cfg)
	switch {
	case errors.Is(err, os.ErrNotExist) && preCfg.ConfigFile == defaultConfigFile:
	case err != nil:
		return nil, fmt.Errorf("unable to load config file: %w", err)
	default:
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown options in %s: %v", cfgFile, undecoded)
		}
	}

	if err := parseArgs(&cfg, args); err != nil {
		return nil, err
	}
	cfg.ConfigFile = cfgFile

	if cfg.DataDir, err = expandPath(cfg.DataDir); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		return nil, errors.New("datadir cannot be empty")
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "logs", appName+".log")
	}
	if cfg.LogFile, err = expandPath(cfg.LogFile); err != nil {
		return nil, err
	}

	if len(cfg.VirtualBusMarkers) == 0 {
		cfg.VirtualBusMarkers = catalog.DefaultVirtualBusMarkers
	}
	if len(cfg.WatchPaths) == 0 {
		cfg.WatchPaths = bridge.DefaultWatchPaths
	}
	for i := range cfg.WatchPaths {
		if cfg.WatchPaths[i], err = expandPath(cfg.WatchPaths[i]); err != nil {
			return nil, err
		}
	}

	if cfg.PollInterval == "" || cfg.PollInterval == "0" {
		cfg.pollInterval = 0
	} else {
		cfg.pollInterval, err = strduration.ParseDuration(cfg.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid value for pollinterval: %v", err)
		}
		if cfg.pollInterval < 0 {
			return nil, fmt.Errorf("pollinterval cannot be negative")
		}
	}

	return &cfg, nil
}
