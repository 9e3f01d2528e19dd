package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/josephvusich/go-getopt"
	"k8s.io/klog/v2"

	"github.com/zsnapd/zsnapd/pkg/config"
	"github.com/zsnapd/zsnapd/pkg/rcmd"
)

const rcmdSection = "zsnapd-rcmd"

func main() {
	os.Exit(run())
}

func run() int {
	klog.InitFlags(nil)

	configPath := flag.String("config", config.DefaultProcessFile, "process configuration file")
	testing := flag.Bool("testing", false, "test mode: report the match and exit without executing")
	getopt.Alias("c", "config")
	getopt.Alias("t", "testing")
	if err := getopt.CommandLine.Parse(os.Args[1:]); err != nil {
		return 1
	}

	cfg, err := config.LoadProcess(*configPath)
	if err != nil {
		klog.Errorf("Process configuration error: %v", err)
		reject()
		return 77
	}

	filter, err := rcmd.Load(cfg.Section(rcmdSection), rcmd.DefaultParanoia)
	if err != nil {
		klog.Errorf("%v", err)
		reject()
		return 77
	}

	command, ok := os.LookupEnv("SSH_ORIGINAL_COMMAND")
	if !ok {
		klog.Errorf("SSH_ORIGINAL_COMMAND environment variable not found")
		reject()
		return 77
	}
	klog.V(1).Infof("SSH_ORIGINAL_COMMAND is: %q", command)

	key, matched := filter.Match(command)
	if !matched {
		klog.Errorf("Command %q matched no configured pattern", command)
		reject()
		return 77
	}
	klog.Infof("Command matched %s, executing", key)
	if *testing {
		fmt.Printf("matched %s\n", key)
		return 0
	}

	// The matched command runs unmodified with its exit status
	// preserved for the calling daemon.
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		klog.Errorf("Executing command: %v", err)
		return 1
	}
	return 0
}

func reject() {
	fmt.Fprintln(os.Stderr, "SECURITY - command rejected")
}
