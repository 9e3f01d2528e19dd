// Package config reads the daemon's INI configuration surface: the
// process file, the per-dataset file and the optional template file.
// Each dataset section is merged (section over template over DEFAULT)
// and validated into one immutable Dataset value at load time.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/zsnapd/zsnapd/pkg/endpoint"
	"github.com/zsnapd/zsnapd/pkg/retention"
)

// Error is a configuration fault tied to a section and option.
type Error struct {
	Section string
	Option  string
	Reason  string
}

func (e *Error) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("[%s]: %s", e.Section, e.Reason)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Section, e.Option, e.Reason)
}

// Direction of a dataset's replication relative to this host.
type Direction int

const (
	NoReplication Direction = iota
	Push
	Pull
)

// Replication is the resolved replication half of a dataset section.
type Replication struct {
	Direction Direction
	// Peer is the replicate_target (push) or replicate_source (pull)
	// dataset on the other side.
	Peer        string
	Endpoint    *endpoint.Endpoint
	Compression string
	BufferSize  string
}

// Dataset is one fully merged and validated dataset section. It is
// built once at load and never mutated.
type Dataset struct {
	Name       string
	Mountpoint string
	Time       *TimeSpec
	Snapshot   bool
	DoTrigger  bool

	Schema        retention.Schema
	LocalSchema   *retention.Schema
	CleanAll      bool
	LocalCleanAll bool
	AllSnapshots  bool

	Preexec           string
	Postexec          string
	ReplicatePostexec string
	LogCommands       bool

	Replication *Replication
}

var allowedKeys = map[string]bool{
	"mountpoint": true, "time": true, "snapshot": true, "do_trigger": true,
	"schema": true, "local_schema": true,
	"clean_all": true, "local_clean_all": true, "all_snapshots": true,
	"preexec": true, "postexec": true, "replicate_postexec": true,
	"log_commands": true, "template": true,
	"replicate_target": true, "replicate_source": true,
	"replicate_endpoint_host": true, "replicate_endpoint_port": true,
	"replicate_endpoint_login": true, "replicate_endpoint_command": true,
	"compression": true, "buffer_size": true,
	// rejected explicitly with a migration hint
	"replicate_endpoint": true,
}

var (
	datasetNameRegexp     = regexp.MustCompile(`^[-_:.a-zA-Z0-9][-_:./a-zA-Z0-9]*$`)
	datasetReservedRegexp = regexp.MustCompile(`^(log|DEFAULT|(c[0-9]|log/|mirror|raidz|raidz1|raidz2|raidz3|spare).*)$`)
	templateNameRegexp    = regexp.MustCompile(`^[a-zA-Z0-9][-_:.a-zA-Z0-9]*$`)
	hostRegexp            = regexp.MustCompile(`^[0-9a-zA-Z\[][-_.:a-zA-Z0-9\]]*$`)
	bufferSizeRegexp      = regexp.MustCompile(`^[0-9]{1,12}[kMG]$`)
)

// zfs reports these mountpoint values for datasets that have no usable
// directory.
var noMountpoint = map[string]bool{"None": true, "none": true, "legacy": true, "-": true}

// section/template/DEFAULT lookup for one dataset.
type resolver struct {
	section  *ini.Section
	template *ini.Section
	defaults *ini.Section
}

func (r resolver) lookup(key string) (string, bool) {
	for _, sec := range []*ini.Section{r.section, r.template, r.defaults} {
		if sec != nil && sec.HasKey(key) {
			return strings.TrimSpace(sec.Key(key).String()), true
		}
	}
	return "", false
}

func (r resolver) get(key, fallback string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return fallback
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "on", "1":
		return true, nil
	case "false", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a boolean (true/false/on/off/1/0)", value)
}

func (r resolver) getBool(key string, fallback bool, errs *[]error, section string) bool {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	b, err := parseBool(v)
	if err != nil {
		*errs = append(*errs, &Error{Section: section, Option: key, Reason: err.Error()})
		return fallback
	}
	return b
}

func loadINI(path string) (*ini.File, error) {
	return ini.LoadSources(ini.LoadOptions{
		SpaceBeforeInlineComment: true,
	}, path)
}

// LoadDatasets reads the dataset file and the optional template file
// (empty path to skip) and returns every dataset in file order. Any
// fault in any section fails the whole load; the returned error joins
// everything found. This is the startup and cfgtest behavior.
func LoadDatasets(datasetPath, templatePath string) ([]*Dataset, error) {
	datasets, err := LoadDatasetsTolerant(datasetPath, templatePath)
	if err != nil {
		return nil, err
	}
	return datasets, nil
}

// LoadDatasetsTolerant is LoadDatasets for runtime reconfiguration: a
// section that fails validation is dropped (that dataset is disabled)
// and the sections that built cleanly are still returned, alongside
// the joined per-section errors. Unreadable files and faults in the
// DEFAULT section or the template file poison every dataset and still
// return nil.
func LoadDatasetsTolerant(datasetPath, templatePath string) ([]*Dataset, error) {
	dsFile, err := loadINI(datasetPath)
	if err != nil {
		return nil, &Error{Section: "-", Reason: fmt.Sprintf("reading %s: %v", datasetPath, err)}
	}
	var tmplFile *ini.File
	if templatePath != "" {
		tmplFile, err = loadINI(templatePath)
		if err != nil {
			return nil, &Error{Section: "-", Reason: fmt.Sprintf("reading %s: %v", templatePath, err)}
		}
	}
	return buildDatasets(dsFile, tmplFile)
}

func buildDatasets(dsFile, tmplFile *ini.File) ([]*Dataset, error) {
	var fileErrs []error
	defaults := dsFile.Section(ini.DefaultSection)
	checkKeys(defaults, ini.DefaultSection, &fileErrs)

	if tmplFile != nil {
		for _, sec := range tmplFile.Sections() {
			if sec.Name() == ini.DefaultSection {
				continue
			}
			if !templateNameRegexp.MatchString(sec.Name()) {
				fileErrs = append(fileErrs, &Error{Section: sec.Name(), Reason: "invalid template name"})
			}
			checkKeys(sec, sec.Name(), &fileErrs)
		}
	}
	if len(fileErrs) > 0 {
		return nil, errors.Join(fileErrs...)
	}

	var errs []error
	// Non-nil even when every section fails, so that only file-wide
	// faults come back as nil.
	datasets := []*Dataset{}
	for _, sec := range dsFile.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection {
			continue
		}
		ds, dsErrs := buildDataset(name, sec, tmplFile, defaults)
		errs = append(errs, dsErrs...)
		if ds != nil && len(dsErrs) == 0 {
			datasets = append(datasets, ds)
		}
	}
	if len(errs) > 0 {
		return datasets, errors.Join(errs...)
	}
	return datasets, nil
}

func checkKeys(sec *ini.Section, name string, errs *[]error) {
	for _, key := range sec.KeyStrings() {
		if !allowedKeys[key] {
			*errs = append(*errs, &Error{Section: name, Option: key, Reason: "unknown option"})
		}
	}
}

func buildDataset(name string, sec *ini.Section, tmplFile *ini.File, defaults *ini.Section) (*Dataset, []error) {
	var errs []error
	fail := func(option, reason string) {
		errs = append(errs, &Error{Section: name, Option: option, Reason: reason})
	}

	if !datasetNameRegexp.MatchString(name) || datasetReservedRegexp.MatchString(name) {
		fail("", "invalid dataset name")
	}
	checkKeys(sec, name, &errs)

	var template *ini.Section
	if sec.HasKey("template") {
		tmplName := sec.Key("template").String()
		if tmplFile == nil || !tmplFile.HasSection(tmplName) {
			fail("template", fmt.Sprintf("unknown template %q", tmplName))
		} else {
			template = tmplFile.Section(tmplName)
		}
	}
	r := resolver{section: sec, template: template, defaults: defaults}

	if _, ok := r.lookup("replicate_endpoint"); ok {
		fail("replicate_endpoint", "deprecated; use replicate_endpoint_host and replicate_endpoint_port")
	}

	ds := &Dataset{Name: name}

	if mp, ok := r.lookup("mountpoint"); ok && !noMountpoint[mp] {
		ds.Mountpoint = mp
	}

	timeValue, ok := r.lookup("time")
	if !ok {
		fail("time", "required option missing")
	} else if spec, err := ParseTimeSpec(timeValue); err != nil {
		fail("time", err.Error())
	} else {
		// A trigger spec without a mountpoint never fires; the
		// scheduler treats that as a no-op rather than an error.
		ds.Time = spec
	}

	ds.Snapshot = r.getBool("snapshot", false, &errs, name)
	ds.DoTrigger = r.getBool("do_trigger", false, &errs, name)
	ds.CleanAll = r.getBool("clean_all", false, &errs, name)
	ds.LocalCleanAll = r.getBool("local_clean_all", ds.CleanAll, &errs, name)
	ds.AllSnapshots = r.getBool("all_snapshots", true, &errs, name)
	ds.LogCommands = r.getBool("log_commands", false, &errs, name)

	schemaValue, ok := r.lookup("schema")
	if !ok {
		fail("schema", "required option missing")
	} else if schema, err := retention.ParseSchema(schemaValue); err != nil {
		fail("schema", err.Error())
	} else {
		ds.Schema = schema
	}
	if localValue, ok := r.lookup("local_schema"); ok {
		if schema, err := retention.ParseSchema(localValue); err != nil {
			fail("local_schema", err.Error())
		} else {
			ds.LocalSchema = &schema
		}
	}

	ds.Preexec = r.get("preexec", "")
	ds.Postexec = r.get("postexec", "")
	ds.ReplicatePostexec = r.get("replicate_postexec", "")

	target, hasTarget := r.lookup("replicate_target")
	source, hasSource := r.lookup("replicate_source")
	if hasTarget && hasSource {
		fail("replicate_target", "replicate_target and replicate_source are mutually exclusive")
	}
	if hasTarget || hasSource {
		repl := &Replication{Direction: Push, Peer: target}
		if hasSource {
			repl.Direction = Pull
			repl.Peer = source
		}
		if !datasetNameRegexp.MatchString(repl.Peer) || datasetReservedRegexp.MatchString(repl.Peer) {
			fail("replicate_target", fmt.Sprintf("invalid peer dataset name %q", repl.Peer))
		}
		host := r.get("replicate_endpoint_host", "")
		if host != "" && !hostRegexp.MatchString(host) {
			fail("replicate_endpoint_host", fmt.Sprintf("invalid host %q", host))
		}
		port := 0
		if portValue, ok := r.lookup("replicate_endpoint_port"); ok {
			n, err := strconv.Atoi(portValue)
			if err != nil || n < 1 || n > 65535 {
				fail("replicate_endpoint_port", fmt.Sprintf("invalid port %q", portValue))
			} else {
				port = n
			}
		}
		if host != "" {
			repl.Endpoint = endpoint.New(host,
				port,
				r.get("replicate_endpoint_login", ""),
				r.get("replicate_endpoint_command", ""))
		}
		repl.Compression = r.get("compression", "")
		if buffer, ok := r.lookup("buffer_size"); ok {
			if !bufferSizeRegexp.MatchString(buffer) {
				fail("buffer_size", fmt.Sprintf("invalid buffer size %q (want digits plus k, M or G)", buffer))
			} else {
				repl.BufferSize = buffer
			}
		}
		ds.Replication = repl
	} else {
		for _, key := range []string{"replicate_endpoint_host", "replicate_endpoint_port", "replicate_endpoint_login", "replicate_endpoint_command"} {
			if _, ok := r.lookup(key); ok && sec.HasKey(key) {
				fail(key, "set without replicate_target or replicate_source")
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return ds, nil
}

// CleanOnly reports whether the dataset neither snapshots nor
// replicates; it still participates in aging.
func (d *Dataset) CleanOnly() bool {
	return !d.Snapshot && d.Replication == nil
}

// Describe renders the merged configuration, one option per line, for
// zsnapd-cfgtest.
func (d *Dataset) Describe() string {
	var b strings.Builder
	write := func(key, value string) {
		fmt.Fprintf(&b, "  %s = %s\n", key, value)
	}
	fmt.Fprintf(&b, "[%s]\n", d.Name)
	if d.Mountpoint != "" {
		write("mountpoint", d.Mountpoint)
	}
	write("time", d.Time.String())
	write("snapshot", strconv.FormatBool(d.Snapshot))
	write("schema", d.Schema.String())
	if d.LocalSchema != nil {
		write("local_schema", d.LocalSchema.String())
	}
	write("clean_all", strconv.FormatBool(d.CleanAll))
	write("local_clean_all", strconv.FormatBool(d.LocalCleanAll))
	write("all_snapshots", strconv.FormatBool(d.AllSnapshots))
	if d.DoTrigger {
		write("do_trigger", "true")
	}
	if d.Preexec != "" {
		write("preexec", d.Preexec)
	}
	if d.Postexec != "" {
		write("postexec", d.Postexec)
	}
	if d.ReplicatePostexec != "" {
		write("replicate_postexec", d.ReplicatePostexec)
	}
	if d.LogCommands {
		write("log_commands", "true")
	}
	if repl := d.Replication; repl != nil {
		if repl.Direction == Push {
			write("replicate_target", repl.Peer)
		} else {
			write("replicate_source", repl.Peer)
		}
		if repl.Endpoint != nil {
			write("replicate_endpoint_host", repl.Endpoint.Host)
			write("replicate_endpoint_port", strconv.Itoa(repl.Endpoint.Port))
		}
		if repl.Compression != "" {
			write("compression", repl.Compression)
		}
		if repl.BufferSize != "" {
			write("buffer_size", repl.BufferSize)
		}
	}
	return b.String()
}
