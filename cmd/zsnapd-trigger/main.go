package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/josephvusich/go-getopt"
	"k8s.io/klog/v2"

	"github.com/zsnapd/zsnapd/pkg/config"
	"github.com/zsnapd/zsnapd/pkg/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	klog.InitFlags(nil)

	configPath := flag.String("config", config.DefaultProcessFile, "process configuration file")
	reachable := flag.Bool("reachable", false, "require the replication endpoint to answer a TCP probe first")
	doTrigger := flag.Bool("do-trigger", false, "process every dataset flagged with do_trigger")
	getopt.Alias("c", "config")
	getopt.Alias("r", "reachable")
	getopt.Alias("t", "do-trigger")
	if err := getopt.CommandLine.Parse(os.Args[1:]); err != nil {
		return 1
	}

	cfg, err := config.LoadProcess(*configPath)
	if err != nil {
		klog.Errorf("Process configuration error: %v", err)
		return 1
	}
	templatePath := cfg.TemplateConfigFile
	if _, err := os.Stat(templatePath); err != nil {
		templatePath = ""
	}
	datasets, err := config.LoadDatasets(cfg.DatasetConfigFile, templatePath)
	if err != nil {
		klog.Errorf("Dataset configuration error: %v", err)
		return 1
	}

	candidates, err := resolve(datasets, flag.Args(), *doTrigger)
	if err != nil {
		klog.Errorf("%v", err)
		return 1
	}
	if len(candidates) == 0 {
		klog.Errorf("No datasets configured for triggers or given on the command line")
		return 1
	}

	result := 0
	for _, ds := range candidates {
		if !ds.Time.IsTrigger() {
			klog.Infof("[%s] Not configured for trigger firing - skipping", ds.Name)
			continue
		}
		if ds.Mountpoint == "" {
			klog.Infof("[%s] No mountpoint configured - skipping", ds.Name)
			continue
		}
		if *reachable && ds.Replication != nil && ds.Replication.Endpoint != nil {
			ep := ds.Replication.Endpoint
			if err := ep.Probe(cfg.ProbeTimeout, cfg.ConnectRetryWait, 3); err != nil {
				klog.Errorf("[%s] %v", ds.Name, err)
				result = 1
				continue
			}
		}
		if err := writeTrigger(ds); err != nil {
			klog.Errorf("[%s] %v", ds.Name, err)
			result = 1
		}
	}
	return result
}

// resolve maps the command-line arguments (dataset names or trigger
// mountpoints) onto configured datasets. With doTrigger and no
// arguments, every do_trigger dataset is selected.
func resolve(datasets []*config.Dataset, args []string, doTrigger bool) ([]*config.Dataset, error) {
	byName := make(map[string]*config.Dataset, len(datasets))
	byMount := make(map[string]*config.Dataset, len(datasets))
	for _, ds := range datasets {
		byName[ds.Name] = ds
		if ds.Mountpoint != "" {
			byMount[strings.TrimRight(ds.Mountpoint, "/")] = ds
		}
	}

	var selected []*config.Dataset
	for _, arg := range args {
		arg = strings.TrimRight(arg, "/")
		var ds *config.Dataset
		if strings.HasPrefix(arg, "/") {
			ds = byMount[arg]
		} else {
			ds = byName[arg]
		}
		if ds == nil {
			return nil, &config.Error{Section: arg, Reason: "not a configured dataset or trigger mountpoint"}
		}
		if doTrigger && !ds.DoTrigger {
			klog.Infof("[%s] do_trigger not set - skipping", ds.Name)
			continue
		}
		selected = append(selected, ds)
	}
	if len(args) == 0 && doTrigger {
		for _, ds := range datasets {
			if ds.DoTrigger {
				selected = append(selected, ds)
			}
		}
	}
	return selected, nil
}

func writeTrigger(ds *config.Dataset) error {
	if info, err := os.Stat(ds.Mountpoint); err != nil || !info.IsDir() {
		return &config.Error{Section: ds.Name, Reason: "mountpoint " + ds.Mountpoint + " is not a directory"}
	}
	path := filepath.Join(ds.Mountpoint, engine.TriggerFilename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	klog.Infof("[%s] Trigger file %s written", ds.Name, path)
	return nil
}
