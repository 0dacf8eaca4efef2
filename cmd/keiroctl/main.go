package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// version is set at build time via -ldflags.
var version = "dev"

// runtime carries the process streams into commands.
type runtime struct {
	ctx    context.Context
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("keiroctl"),
		kong.Description("Inspect and drive keiro runs in a local database."),
		kong.UsageOnError(),
		kongVars(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := slog.LevelWarn
	if cli.Debug {
		level = slog.LevelDebug
	}
	rt := &runtime{
		ctx:    ctx,
		in:     os.Stdin,
		out:    os.Stdout,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
	if err := kctx.Run(&cli.Globals, rt); err != nil {
		fmt.Fprintln(os.Stderr, "keiroctl:", err)
		os.Exit(1)
	}
}

// Run prints the version.
func (VersionCmd) Run(rt *runtime) error {
	_, err := fmt.Fprintf(rt.out, "keiroctl version %s\n", version)
	return err
}

// writeJSON prints v as indented JSON.
func (rt *runtime) writeJSON(v any) error {
	enc := json.NewEncoder(rt.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// decodeArg reads a JSON argument. The argument is the document itself,
// @path for a file, or - for stdin.
func (rt *runtime) decodeArg(arg string, v any) error {
	var data []byte
	switch {
	case arg == "-":
		b, err := io.ReadAll(rt.in)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return err
		}
		data = b
	default:
		data = []byte(arg)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
