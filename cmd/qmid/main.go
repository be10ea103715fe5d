// Command qmid owns a QMI modem and serves it to local processes over a
// unix socket.
//
// Usage:
//
//	qmid [flags]
//
// Flags:
//
//	-c, --config file     TOML configuration file
//	    --env file        dotenv file applied before QMID_* overrides (default: .env)
//	    --simulate        serve an in-process simulated modem
//	    --device sel      modem selector, "bus/dev" or "vid:pid"
//	    --socket path     unix socket path
//	    --log-level lvl   debug, info, warn or error
//	    --cpu-profile f   write a CPU profile to f
//	    --heap-profile f  write a heap profile to f on exit
//
// The daemon exits when the modem disappears.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ardnew/softqmi/config"
	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/pkg/prof"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentDaemon

type flags struct {
	configFile string
	envFile    string
	device     string
	socket     string
	logLevel   string
	simulate   bool

	cpuProfile  string
	heapProfile string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "qmid",
		Short:         "qmid - QMI modem client multiplexer daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(&f)
			if err != nil {
				pkg.LogError(component, "invalid configuration", "error", err)
				return err
			}
			closeLog, err := setupLogging(cfg.Logging)
			if err != nil {
				pkg.LogError(component, "failed to set up logging", "error", err)
				return err
			}
			defer closeLog()

			stopProfiles, err := startProfiles(&f)
			if err != nil {
				pkg.LogError(component, "failed to start profiling", "error", err)
				return err
			}
			defer stopProfiles()

			if err := run(cmd.Context(), cfg); err != nil {
				pkg.LogError(component, "exiting", "error", err)
				return err
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "TOML configuration file")
	fl.StringVar(&f.envFile, "env", ".env", "dotenv file applied before QMID_* overrides")
	fl.BoolVar(&f.simulate, "simulate", false, "serve an in-process simulated modem")
	fl.StringVar(&f.device, "device", "", `modem selector, "bus/dev" or "vid:pid"`)
	fl.StringVar(&f.socket, "socket", "", "unix socket path")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.StringVar(&f.cpuProfile, "cpu-profile", "", "write a CPU profile to file")
	fl.StringVar(&f.heapProfile, "heap-profile", "", "write a heap profile to file on exit")
	return cmd
}

// loadConfig layers the file, the environment and the flags, in that
// order, then validates the result.
func loadConfig(f *flags) (*config.Config, error) {
	cfg := &config.Config{}
	if f.configFile != "" {
		b, err := os.ReadFile(f.configFile)
		if err != nil {
			return nil, err
		}
		if cfg, err = config.Parse(b); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(f.envFile); err != nil {
		return nil, err
	}

	if cfg.Device == nil {
		cfg.Device = &config.Device{}
	}
	if f.simulate {
		cfg.Device.Simulate = true
	}
	if f.device != "" {
		cfg.Device.Path = f.device
	}
	if f.socket != "" {
		cfg.Server.Socket = f.socket
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}

	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// startProfiles starts the profiles requested on the command line. The
// returned function writes and closes them.
func startProfiles(f *flags) (func(), error) {
	if f.cpuProfile != "" {
		if err := prof.StartCPU(f.cpuProfile); err != nil {
			return nil, err
		}
	}
	return func() {
		if err := prof.StopCPU(); err != nil {
			pkg.LogWarn(component, "cpu profile", "error", err)
		}
		if f.heapProfile != "" {
			if err := prof.Write(prof.ProfileHeap, f.heapProfile); err != nil {
				pkg.LogWarn(component, "heap profile", "error", err)
			}
		}
	}, nil
}
