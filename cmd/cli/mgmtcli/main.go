package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	mgmtControl "github.com/core-tools/hsu-mgmt/pkg/control"
	"github.com/core-tools/hsu-mgmt/pkg/domain"
	"github.com/core-tools/hsu-mgmt/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	ServerPath string            `long:"server" description:"path to the server executable"`
	AttachPort int               `long:"port" description:"port to attach to the server"`
	Entity     string            `long:"entity" description:"target entity ID; empty lists the roots"`
	Invoke     string            `long:"invoke" description:"effector to invoke on the entity"`
	Params     map[string]string `long:"param" description:"effector parameter as name:value, value is JSON or a plain string"`
	Wait       bool              `long:"wait" description:"wait for the invoked task to finish"`
	Task       string            `long:"task" description:"task ID to describe"`
	Get        string            `long:"get" description:"attribute to read from the entity"`
	Set        string            `long:"set" description:"config key to set on the entity, with --value"`
	Value      string            `long:"value" description:"value for --set, JSON or a plain string"`
	Timeout    time.Duration     `long:"timeout" description:"overall call timeout" default:"60s"`
	Verbose    bool              `long:"verbose" description:"log debug output"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

// parseValue reads s as JSON, falling back to the plain string
func parseValue(s string) any {
	var value any
	if err := json.Unmarshal([]byte(s), &value); err != nil {
		return s
	}
	return value
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", v)
		return
	}
	fmt.Println(string(data))
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

	if opts.ServerPath == "" && opts.AttachPort == 0 {
		fmt.Println("Server path or attach port is required")
		os.Exit(1)
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = "warn"
	if opts.Verbose {
		zapConfig.Level = "debug"
	}
	zapLogger := logging.NewZapLogger(zapConfig)
	defer func() { _ = zapLogger.Sync() }()
	sugar := zapLogger.Sugar()

	coreLogger := coreLogging.NewLogger(
		logPrefix("hsu-core"), coreLogging.LogFuncs{
			Debugf: sugar.Debugf,
			Infof:  sugar.Infof,
			Warnf:  sugar.Warnf,
			Errorf: sugar.Errorf,
		})
	mgmtLogger := logging.NewLogger(logPrefix("hsu-mgmt"), logging.NewZapLogFuncs(zapLogger))

	coreConnectionOptions := coreControl.ConnectionOptions{
		ServerPath: opts.ServerPath,
		AttachPort: opts.AttachPort,
	}
	coreConnection, err := coreControl.NewConnection(coreConnectionOptions, coreLogger)
	if err != nil {
		sugar.Errorf("Failed to create core connection: %v", err)
		os.Exit(1)
	}

	coreClientGateway := coreControl.NewGRPCClientGateway(coreConnection.GRPC(), coreLogger)
	mgmtClientGateway := mgmtControl.NewGRPCClientGateway(coreConnection.GRPC(), mgmtLogger)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: 10,
		RetryInterval: 1 * time.Second,
	}
	err = coreDomain.RetryPing(ctx, coreClientGateway, retryPingOptions, coreLogger)
	if err != nil {
		sugar.Errorf("Failed to ping server: %v", err)
		os.Exit(1)
	}

	if err := run(ctx, mgmtClientGateway, opts); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client domain.Contract, opts flagOptions) error {
	switch {
	case opts.Invoke != "":
		if opts.Entity == "" {
			return fmt.Errorf("--invoke requires --entity")
		}
		params := make(map[string]any, len(opts.Params))
		for name, raw := range opts.Params {
			params[name] = parseValue(raw)
		}
		info, err := client.InvokeEffector(ctx, opts.Entity, opts.Invoke, params, opts.Wait)
		if err != nil {
			return err
		}
		printJSON(info)
		if info.Error != "" {
			return fmt.Errorf("task %s failed", info.ID)
		}

	case opts.Task != "":
		info, err := client.GetTask(ctx, opts.Task, opts.Wait)
		if err != nil {
			return err
		}
		printJSON(info)

	case opts.Get != "":
		value, present, err := client.GetAttribute(ctx, opts.Entity, opts.Get)
		if err != nil {
			return err
		}
		if !present {
			fmt.Printf("%s is not set on %s\n", opts.Get, opts.Entity)
			return nil
		}
		printJSON(value)

	case opts.Set != "":
		if opts.Entity == "" {
			return fmt.Errorf("--set requires --entity")
		}
		previous, err := client.SetConfig(ctx, opts.Entity, opts.Set, parseValue(opts.Value))
		if err != nil {
			return err
		}
		fmt.Printf("%s set on %s, previous value: %v\n", opts.Set, opts.Entity, previous)

	default:
		children, err := client.GetChildren(ctx, opts.Entity)
		if err != nil {
			return err
		}
		for _, child := range children {
			up := "-"
			if child.Up != nil {
				up = fmt.Sprintf("%t", *child.Up)
			}
			fmt.Printf("%-24s %-24s up=%-5s state=%-10s tags=%s\n",
				child.ID, child.DisplayName, up, child.State, strings.Join(child.Tags, ","))
		}
	}
	return nil
}
