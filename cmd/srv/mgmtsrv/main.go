package main

import (
	"encoding/json"
	"fmt"
	"os"

	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-mgmt/pkg/logging"
	"github.com/core-tools/hsu-mgmt/pkg/node"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config       string `long:"config" description:"path to the node configuration file (YAML or TOML)" required:"true"`
	Port         int    `long:"port" description:"port to listen on, overrides the configuration"`
	RunDuration  int    `long:"run-duration" description:"Duration in seconds to run the node (debug feature)"`
	ValidateOnly bool   `long:"validate" description:"validate the configuration, print its summary and exit"`
	LogFormat    string `long:"log-format" description:"log format" choice:"console" choice:"json" default:"console"`
	LogOutput    string `long:"log-output" description:"log output" choice:"stderr" choice:"stdout" default:"stderr"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	config, err := node.LoadConfigFromFile(opts.Config)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if opts.Port != 0 {
		config.Node.Port = opts.Port
	}
	if err := node.ValidateConfig(config); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if opts.ValidateOnly {
		summary, _ := json.MarshalIndent(node.GetConfigSummary(config), "", "  ")
		fmt.Println(string(summary))
		return
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = config.Node.LogLevel
	zapConfig.Format = opts.LogFormat
	zapConfig.Output = opts.LogOutput
	zapLogger := logging.NewZapLogger(zapConfig)
	defer func() { _ = zapLogger.Sync() }()
	sugar := zapLogger.Sugar()

	sugar.Infof("opts: %+v", opts)
	sugar.Infof("Starting...")

	coreLogger := coreLogging.NewLogger(
		logPrefix("hsu-core"), coreLogging.LogFuncs{
			Debugf: sugar.Debugf,
			Infof:  sugar.Infof,
			Warnf:  sugar.Warnf,
			Errorf: sugar.Errorf,
		})
	nodeLogger := logging.NewLogger(logPrefix("hsu-mgmt"), logging.NewZapLogFuncs(zapLogger))

	if err := node.Run(opts.RunDuration, config, coreLogger, nodeLogger); err != nil {
		sugar.Errorf("Node failed: %v", err)
		_ = zapLogger.Sync()
		os.Exit(1)
	}
}
