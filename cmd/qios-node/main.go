// qios-node connects to a back office as a node or admin and logs every
// message it receives. With --run it asks the back office to orchestrate a
// program once registered.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"qios/internal/client"
	"qios/internal/logging"
	"qios/internal/protocol"
	"qios/internal/registry"
	"qios/internal/version"
)

const defaultServerURL = "http://localhost:3000"

type nodeFlags struct {
	ServerURL string
	Role      registry.Role
	Run       bool
	Program   json.RawMessage
	LogLevel  logging.Level
	Timeout   time.Duration
	Version   bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	if flags.Version {
		fmt.Fprintf(stdout, "qios-node %s\n", version.Get())
		return 0
	}
	logger := logging.NewLoggerWithOutput(nil, flags.LogLevel, stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := participate(ctx, flags, logger); err != nil {
		logger.Error("participant stopped", map[string]string{
			"error": err.Error(),
		})
		return 1
	}
	return 0
}

func parseFlags(args []string, output io.Writer) (nodeFlags, error) {
	var (
		serverURL    string
		role         string
		runNow       bool
		program      string
		logLevel     string
		timeout      time.Duration
		printVersion bool
	)
	set := pflag.NewFlagSet("qios-node", pflag.ContinueOnError)
	set.SetOutput(output)
	set.StringVarP(&serverURL, "url", "u", defaultServerURL, "back office base URL")
	set.StringVarP(&role, "role", "r", string(registry.RoleNode), "role to register as: node or admin")
	set.BoolVar(&runNow, "run", false, "send run_program after registering (node role only)")
	set.StringVar(&program, "program", "{}", "JSON payload sent with run_program")
	set.StringVar(&logLevel, "log-level", string(logging.LevelInfo), "log level: debug, info, warning, error")
	set.DurationVar(&timeout, "timeout", 0, "exit after this long; zero runs until interrupted")
	set.BoolVarP(&printVersion, "version", "v", false, "print version and exit")
	if err := set.Parse(args); err != nil {
		return nodeFlags{}, err
	}
	if printVersion {
		return nodeFlags{Version: true}, nil
	}
	if set.NArg() > 0 {
		return nodeFlags{}, fmt.Errorf("unexpected argument: %s", set.Arg(0))
	}

	parsedRole, ok := registry.ParseRole(role)
	if !ok || parsedRole == registry.RoleUnassigned {
		return nodeFlags{}, fmt.Errorf("invalid role %q", role)
	}
	if runNow && parsedRole != registry.RoleNode {
		return nodeFlags{}, errors.New("--run requires --role node")
	}
	level, ok := logging.ParseLevel(logLevel)
	if !ok {
		return nodeFlags{}, fmt.Errorf("invalid log level %q", logLevel)
	}
	payload := json.RawMessage(strings.TrimSpace(program))
	if !json.Valid(payload) {
		return nodeFlags{}, errors.New("--program must be valid JSON")
	}
	if timeout < 0 {
		return nodeFlags{}, errors.New("--timeout must not be negative")
	}
	return nodeFlags{
		ServerURL: serverURL,
		Role:      parsedRole,
		Run:       runNow,
		Program:   payload,
		LogLevel:  level,
		Timeout:   timeout,
	}, nil
}

func participate(ctx context.Context, flags nodeFlags, logger *logging.Logger) error {
	if flags.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
	}

	participant, err := client.Dial(ctx, flags.ServerURL, client.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer participant.Close()

	if err := participant.Register(flags.Role); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	logger.Info("connected", map[string]string{
		"url":  flags.ServerURL,
		"role": string(flags.Role),
	})

	registered := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-participant.Messages():
			if !ok {
				return participant.Err()
			}
			logMessage(logger, message)
			if flags.Run && !registered {
				registered = true
				if err := participant.RunProgram(flags.Program); err != nil {
					return fmt.Errorf("run program: %w", err)
				}
				logger.Info("program submitted", map[string]string{
					"bytes": strconv.Itoa(len(flags.Program)),
				})
			}
		}
	}
}

func logMessage(logger *logging.Logger, message protocol.Message) {
	switch typed := message.(type) {
	case protocol.LogMessage:
		fields := map[string]string{"event": typed.Event()}
		switch typed.Type {
		case protocol.LogError:
			logger.Error(typed.Message, fields)
		case protocol.LogWarn:
			logger.Warn(typed.Message, fields)
		default:
			logger.Info(typed.Message, fields)
		}
	case protocol.InitialState:
		logger.Info(typed.Message, map[string]string{"event": typed.Event()})
	case protocol.ExecuteCommand:
		logger.Info("execute command", map[string]string{
			"event":   typed.Event(),
			"command": typed.Command,
			"target":  typed.Target,
		})
	case protocol.SystemUpdate:
		fields := map[string]string{
			"event":     typed.Event(),
			"nodeCount": strconv.Itoa(typed.NodeCount),
		}
		for name, value := range typed.Stats {
			fields[name] = strconv.FormatFloat(value, 'f', -1, 64)
		}
		logger.Debug("system update", fields)
	}
}
