package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/joho/godotenv"
	"github.com/josephvusich/go-getopt"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"k8s.io/klog/v2"

	"github.com/zsnapd/zsnapd/pkg/config"
	"github.com/zsnapd/zsnapd/pkg/engine"
	"github.com/zsnapd/zsnapd/pkg/scheduler"
	"github.com/zsnapd/zsnapd/pkg/snaptime"
	"github.com/zsnapd/zsnapd/pkg/zfs"
)

// Version can be set at build time using -ldflags
// Example: go build -ldflags="-X main.Version=1.0.0"
var Version = "dev"

const (
	exitOK     = 0
	exitConfig = 1
	exitSignal = 2
	exitFatal  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// Service managers can ship timing overrides in the defaults file.
	_ = godotenv.Load(config.DefaultEnvFile)

	klog.InitFlags(nil)
	defer klog.Flush()

	configPath := flag.String("config", config.DefaultProcessFile, "process configuration file")
	debugLevel := flag.String("debug", "none", "debug level: 0|1|2|3|none|normal|verbose|extreme")
	systemd := flag.Bool("systemd", false, "run in the foreground for systemd, logging plain text to stderr")
	verbose := flag.Bool("verbose", false, "verbose output")
	memStats := flag.Bool("memstats", false, "log process memory statistics each tick")
	showVersion := flag.Bool("version", false, "show version and exit")
	getopt.Alias("c", "config")
	getopt.Alias("d", "debug")
	getopt.Alias("S", "systemd")
	getopt.Alias("v", "verbose")
	getopt.Alias("b", "memstats")
	if err := getopt.CommandLine.Parse(os.Args[1:]); err != nil {
		return exitConfig
	}

	if *showVersion {
		fmt.Printf("zsnapd version %s\n", Version)
		return exitOK
	}

	verbosity, ok := debugVerbosity(*debugLevel)
	if !ok {
		klog.Errorf("Invalid debug level: %s. Must be one of: 0, 1, 2, 3, none, normal, verbose, extreme", *debugLevel)
		return exitConfig
	}
	if verbosity == 0 && *verbose {
		verbosity = 1
	}
	_ = flag.Set("v", fmt.Sprint(verbosity))

	if !*systemd {
		// Structured JSON when not under a journal that keeps
		// metadata itself; same wiring as plain text otherwise.
		zapLog, err := zap.NewProduction()
		if err != nil {
			klog.Errorf("Failed to initialize JSON logger: %v", err)
			return exitFatal
		}
		defer zapLog.Sync()
		klog.SetLogger(zapr.NewLogger(zapLog))
	}

	klog.Infof("Starting zsnapd version %s", Version)

	cfg, err := config.LoadProcess(*configPath)
	if err != nil {
		klog.Errorf("Process configuration error: %v", err)
		return exitConfig
	}
	if cfg.RunAsUser != "" {
		klog.V(1).Infof("run_as_user is %s; privilege dropping is left to the service manager", cfg.RunAsUser)
	}

	datasets, err := loadDatasets(cfg)
	if err != nil {
		klog.Errorf("Dataset configuration error: %v", err)
		return exitConfig
	}
	klog.Infof("Managing %d dataset(s)", len(datasets))

	clock := snaptime.SystemClock{}
	eng := engine.New(zfs.NewAdapter(), engine.ShellHookRunner{})
	sched := scheduler.New(eng, scheduler.NewProbeFactory(cfg), datasets, clock.Now(), cfg.StartupHysteresis)

	sleepTime := cfg.SleepTime
	if verbosity > 0 {
		sleepTime = cfg.DebugSleepTime
	}
	klog.Infof("Sleep time between ticks: %s", sleepTime)

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx := context.Background()
	// First tick runs immediately; the startup hysteresis lets
	// instants that passed just before launch still fire on it.
	ticker := time.NewTimer(0)
	defer ticker.Stop()

	for {
		select {
		case sig := <-signals:
			switch sig {
			case syscall.SIGHUP:
				klog.Infof("SIGHUP received, reloading dataset configuration")
				reloaded, err := config.LoadDatasetsTolerant(cfg.DatasetConfigFile, templatePath(cfg))
				if err != nil {
					if reloaded == nil {
						klog.Errorf("Reload failed, keeping previous configuration: %v", err)
						continue
					}
					// Failing sections are disabled; the rest continue.
					klog.Errorf("Reload disabled one or more datasets: %v", err)
				}
				sched.Reconfigure(reloaded, clock.Now())
				klog.Infof("Now managing %d dataset(s)", len(reloaded))
				continue
			default:
				// Drain: the current tick already completed; a second
				// signal during shutdown kills outright via the
				// default disposition after Stop.
				klog.Infof("Signal %v received, shutting down", sig)
				signal.Stop(signals)
				return exitSignal
			}
		case <-ticker.C:
		}

		if cfg.DebugMark {
			klog.Infof("MARK")
		}
		if cfg.DaemonCanary != "" {
			touchCanary(cfg.DaemonCanary)
		}

		sched.Tick(ctx, clock.Now())

		if *memStats {
			logMemStats()
		}
		ticker.Reset(sleepTime)
	}
}

func debugVerbosity(level string) (int, bool) {
	switch level {
	case "0", "none":
		return 0, true
	case "1", "normal":
		return 1, true
	case "2", "verbose":
		return 2, true
	case "3", "extreme":
		return 3, true
	}
	return 0, false
}

func templatePath(cfg *config.Process) string {
	path := cfg.TemplateConfigFile
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func loadDatasets(cfg *config.Process) ([]*config.Dataset, error) {
	return config.LoadDatasets(cfg.DatasetConfigFile, templatePath(cfg))
}

func touchCanary(path string) {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if f, createErr := os.Create(path); createErr == nil {
			f.Close()
		} else {
			klog.Warningf("Could not touch canary file %s: %v", path, err)
		}
	}
}

// logMemStats reports the daemon's own memory footprint, for chasing
// leaks on long-running hosts.
func logMemStats() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		klog.Warningf("Could not read process stats: %v", err)
		return
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		klog.Infof("Memory stats - RSS: %d KiB, VMS: %d KiB", mem.RSS/1024, mem.VMS/1024)
	}
}
