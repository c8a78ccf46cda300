package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"kvbind/internal/cli"
	"kvbind/internal/keypath"
)

type Config struct {
	ConfigPath   string
	DocumentPath string
	Binds        []bindSpec
	Watches      []string
	FeedAddress  string
	LogLevel     string
	Once         bool
	ShowVersion  bool
}

// bindSpec is one -bind value: receiverKey=foreignPath[:transform].
type bindSpec struct {
	ReceiverKey string
	ForeignPath string
	Transform   string
}

type usageError struct {
	Message string
}

func (err *usageError) Error() string {
	return err.Message
}

func usageErr(format string, args ...any) error {
	return &usageError{Message: fmt.Sprintf(format, args...)}
}

func parseArgs(args []string, errOut io.Writer) (Config, error) {
	fs := flag.NewFlagSet("kvbind", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configFlag := fs.String("config", "", "Settings file (TOML)")
	documentFlag := fs.String("document", "", "Document to load (YAML, JSON or TOML)")
	binds := cli.AddStringList(fs, "bind", "Bind receiverKey=foreignPath[:transform] (repeatable)")
	watches := cli.AddStringList(fs, "watch", "Print changes of a key path (repeatable)")
	feedFlag := fs.String("feed", "", "Serve the change feed on this address")
	logLevelFlag := fs.String("log-level", "", "Log level: debug, info, warning, error")
	onceFlag := fs.Bool("once", false, "Print current values and exit")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show this help message", "Print version and exit")
	fs.Usage = func() {
		printHelp(fs.Output())
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if helpVersion.Help {
		fs.Usage()
		return Config{}, flag.ErrHelp
	}
	if helpVersion.Version {
		return Config{ShowVersion: true}, nil
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return Config{}, usageErr("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg := Config{
		ConfigPath:   strings.TrimSpace(*configFlag),
		DocumentPath: strings.TrimSpace(*documentFlag),
		FeedAddress:  strings.TrimSpace(*feedFlag),
		LogLevel:     strings.TrimSpace(*logLevelFlag),
		Once:         *onceFlag,
	}
	if cfg.DocumentPath == "" {
		fs.Usage()
		return Config{}, usageErr("document is required")
	}
	if len(*binds) == 0 && len(*watches) == 0 {
		fs.Usage()
		return Config{}, usageErr("at least one -bind or -watch is required")
	}

	seen := map[string]bool{}
	for _, raw := range *binds {
		binding, err := parseBind(raw)
		if err != nil {
			return Config{}, err
		}
		if seen[binding.ReceiverKey] {
			return Config{}, usageErr("receiver key %q bound twice", binding.ReceiverKey)
		}
		seen[binding.ReceiverKey] = true
		cfg.Binds = append(cfg.Binds, binding)
	}
	for _, raw := range *watches {
		if _, err := keypath.Parse(raw); err != nil {
			return Config{}, usageErr("invalid watch %q: %v", raw, err)
		}
		cfg.Watches = append(cfg.Watches, raw)
	}
	return cfg, nil
}

func parseBind(raw string) (bindSpec, error) {
	receiverKey, foreign, ok := strings.Cut(raw, "=")
	if !ok {
		return bindSpec{}, usageErr("invalid bind %q: expected receiverKey=foreignPath", raw)
	}
	binding := bindSpec{ReceiverKey: strings.TrimSpace(receiverKey)}
	foreignPath, transform, _ := strings.Cut(foreign, ":")
	binding.ForeignPath = strings.TrimSpace(foreignPath)
	binding.Transform = strings.ToLower(strings.TrimSpace(transform))

	receiverPath, err := keypath.Parse(binding.ReceiverKey)
	if err != nil || receiverPath.Len() != 1 {
		return bindSpec{}, usageErr("invalid bind %q: receiver key must be a single property", raw)
	}
	if _, err := keypath.Parse(binding.ForeignPath); err != nil {
		return bindSpec{}, usageErr("invalid bind %q: %v", raw, err)
	}
	if _, err := lookupTransform(binding.Transform); err != nil {
		if errors.Is(err, errUnknownTransform) {
			return bindSpec{}, usageErr("invalid bind %q: %v", raw, err)
		}
		return bindSpec{}, err
	}
	return binding, nil
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: kvbind -document FILE [-watch PATH]... [-bind KEY=PATH[:TRANSFORM]]...")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Load a document, watch or bind its key paths and print every change")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	writeOption(out, "-config FILE", "Settings file (TOML)")
	writeOption(out, "-document FILE", "Document to load (YAML, JSON or TOML)")
	writeOption(out, "-watch PATH", "Print changes of a key path (repeatable)")
	writeOption(out, "-bind KEY=PATH", "Bind a receiver key to a key path (repeatable)")
	writeOption(out, "-feed ADDR", "Serve /changes and /metrics on ADDR")
	writeOption(out, "-log-level LEVEL", "debug, info, warning or error")
	writeOption(out, "-once", "Print current values and exit")
	writeOption(out, "-help", "Show this help message")
	writeOption(out, "-version", "Print version and exit")
	fmt.Fprintln(out, "")
	fmt.Fprintf(out, "Transforms: %s\n", strings.Join(transformNames(), ", "))
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Examples:")
	fmt.Fprintln(out, "  kvbind -document user.yaml -watch profile.favoriteColorHex")
	fmt.Fprintln(out, "  kvbind -document user.yaml -bind color=profile.favoriteColorHex:hex -feed 127.0.0.1:8080")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Exit codes:")
	fmt.Fprintln(out, "  0  Success")
	fmt.Fprintln(out, "  2  Usage error")
	fmt.Fprintln(out, "  3  Configuration error")
	fmt.Fprintln(out, "  4  Runtime error")
}

func writeOption(out io.Writer, name, desc string) {
	fmt.Fprintf(out, "  %-18s %s\n", name, desc)
}
