package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// Default file locations.
const (
	DefaultProcessFile       = "/etc/zsnapd/process.conf"
	DefaultDatasetFile       = "/etc/zsnapd/dataset.conf"
	LegacyDatasetFile        = "/etc/zfssnapmanager.cfg"
	DefaultTemplateFile      = "/etc/zsnapd/template.conf"
	DefaultEnvFile           = "/etc/default/zsnapd"
	processSection           = "zsnapd"
	defaultSleepTime         = 300 * time.Second
	defaultDebugSleepTime    = 15 * time.Second
	defaultConnectRetryWait  = 3 * time.Second
	defaultProbeTimeout      = 5 * time.Second
	defaultStartupHysteresis = 15 * time.Second
)

// Process is the daemon-wide configuration from process.conf. Values
// may be overridden through the environment (ZSNAPD_SLEEP_TIME and
// friends), the way an init script would.
type Process struct {
	DaemonCanary       string
	DebugMark          bool
	SleepTime          time.Duration
	DebugSleepTime     time.Duration
	DatasetConfigFile  string
	TemplateConfigFile string
	RunAsUser          string

	SyslogFacility     string
	LogFile            string
	LogFileMaxSizeKB   int
	LogFileBackupCount int

	ConnectRetryWait  time.Duration
	ProbeTimeout      time.Duration
	StartupHysteresis time.Duration

	file *ini.File
}

// LoadProcess reads the process file. A missing file yields the
// defaults so a bare installation can run.
func LoadProcess(path string) (*Process, error) {
	p := &Process{
		SleepTime:          defaultSleepTime,
		DebugSleepTime:     defaultDebugSleepTime,
		DatasetConfigFile:  DefaultDatasetFile,
		TemplateConfigFile: DefaultTemplateFile,
		ConnectRetryWait:   defaultConnectRetryWait,
		ProbeTimeout:       defaultProbeTimeout,
		StartupHysteresis:  defaultStartupHysteresis,
	}
	if _, err := os.Stat(p.DatasetConfigFile); os.IsNotExist(err) {
		if _, legacyErr := os.Stat(LegacyDatasetFile); legacyErr == nil {
			p.DatasetConfigFile = LegacyDatasetFile
		}
	}

	file, err := loadINI(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.applyEnv()
			return p, nil
		}
		return nil, &Error{Section: processSection, Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}
	p.file = file

	sec := file.Section(processSection)
	var errs []error
	getDuration := func(key string, fallback time.Duration) time.Duration {
		if !sec.HasKey(key) {
			return fallback
		}
		secs, err := sec.Key(key).Float64()
		if err != nil || secs < 0 {
			errs = append(errs, &Error{Section: processSection, Option: key, Reason: fmt.Sprintf("invalid seconds value %q", sec.Key(key).String())})
			return fallback
		}
		return time.Duration(secs * float64(time.Second))
	}
	getBool := func(key string, fallback bool) bool {
		if !sec.HasKey(key) {
			return fallback
		}
		b, err := parseBool(sec.Key(key).String())
		if err != nil {
			errs = append(errs, &Error{Section: processSection, Option: key, Reason: err.Error()})
			return fallback
		}
		return b
	}
	getInt := func(key string, fallback int) int {
		if !sec.HasKey(key) {
			return fallback
		}
		n, err := sec.Key(key).Int()
		if err != nil || n < 0 {
			errs = append(errs, &Error{Section: processSection, Option: key, Reason: fmt.Sprintf("invalid value %q", sec.Key(key).String())})
			return fallback
		}
		return n
	}

	p.DaemonCanary = sec.Key("daemon_canary").String()
	p.DebugMark = getBool("debug_mark", false)
	p.SleepTime = getDuration("sleep_time", p.SleepTime)
	p.DebugSleepTime = getDuration("debug_sleep_time", p.DebugSleepTime)
	if sec.HasKey("dataset_config_file") {
		p.DatasetConfigFile = sec.Key("dataset_config_file").String()
	}
	if sec.HasKey("template_config_file") {
		p.TemplateConfigFile = sec.Key("template_config_file").String()
	}
	p.RunAsUser = sec.Key("run_as_user").String()
	p.SyslogFacility = sec.Key("syslog_facility").String()
	p.LogFile = sec.Key("log_file").String()
	p.LogFileMaxSizeKB = getInt("log_file_max_size_kbytes", 0)
	p.LogFileBackupCount = getInt("log_file_backup_count", 0)
	p.ConnectRetryWait = getDuration("connect_retry_wait", p.ConnectRetryWait)
	p.ProbeTimeout = getDuration("probe_timeout", p.ProbeTimeout)
	p.StartupHysteresis = getDuration("startup_hysteresis_time", p.StartupHysteresis)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	p.applyEnv()
	return p, nil
}

// applyEnv lets the environment override the timing knobs, mirroring
// the env-driven configuration of containerised deployments.
func (p *Process) applyEnv() {
	p.SleepTime = envDuration("ZSNAPD_SLEEP_TIME", p.SleepTime)
	p.DebugSleepTime = envDuration("ZSNAPD_DEBUG_SLEEP_TIME", p.DebugSleepTime)
	p.ConnectRetryWait = envDuration("ZSNAPD_CONNECT_RETRY_WAIT", p.ConnectRetryWait)
	p.ProbeTimeout = envDuration("ZSNAPD_PROBE_TIMEOUT", p.ProbeTimeout)
	if v := os.Getenv("ZSNAPD_DATASET_CONFIG_FILE"); v != "" {
		p.DatasetConfigFile = v
	}
	if v := os.Getenv("ZSNAPD_TEMPLATE_CONFIG_FILE"); v != "" {
		p.TemplateConfigFile = v
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs * float64(time.Second))
}

// Section exposes a raw section of the process file for the auxiliary
// tools ([zsnapd-cfgtest], [zsnapd-trigger], [zsnapd-rcmd]). Returns
// nil when the file or section is absent.
func (p *Process) Section(name string) *ini.Section {
	if p.file == nil || !p.file.HasSection(name) {
		return nil
	}
	return p.file.Section(name)
}
