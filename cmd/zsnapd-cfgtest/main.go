package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/josephvusich/go-getopt"
	"k8s.io/klog/v2"

	"github.com/zsnapd/zsnapd/pkg/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	klog.InitFlags(nil)

	configPath := flag.String("config", config.DefaultProcessFile, "process configuration file")
	verbose := flag.Bool("verbose", false, "print each dataset's merged configuration")
	getopt.Alias("c", "config")
	getopt.Alias("v", "verbose")
	if err := getopt.CommandLine.Parse(os.Args[1:]); err != nil {
		return 1
	}
	if *verbose {
		_ = flag.Set("v", "1")
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

	for _, ds := range datasets {
		klog.V(1).Infof("Merged configuration:\n%s", ds.Describe())
	}
	fmt.Printf("%s: %d dataset(s) OK\n", cfg.DatasetConfigFile, len(datasets))
	return 0
}
