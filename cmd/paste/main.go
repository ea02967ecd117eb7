// Command paste publishes text to dogbin, nekobin or hastebin and prints the
// resulting links.
//
//	paste [-d|-n|-h] [-f file] [text ...]
//
// Text is taken from the arguments, else from -f, else from stdin. Without a
// service flag dogbin is tried first and the next service is used when one
// fails; with a flag only that service is tried.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tombowditch/pastey-relay/internal/config"
	"github.com/tombowditch/pastey-relay/internal/logger"
	"github.com/tombowditch/pastey-relay/internal/paste"
	"github.com/tombowditch/pastey-relay/internal/relay"
	"github.com/tombowditch/pastey-relay/publisher"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("paste", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dogbin := fs.Bool("d", false, "publish to dogbin only")
	nekobin := fs.Bool("n", false, "publish to nekobin only")
	hastebin := fs.Bool("h", false, "publish to hastebin only")
	file := fs.String("f", "", "read text from `file`")
	configPath := fs.String("config", "", "path to YAML config file")
	timeout := fs.Duration("timeout", 0, "limit for each service call (default from config)")
	verbose := fs.Bool("v", false, "log each attempt to stderr")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: paste [-d|-n|-h] [-f file] [text ...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var selector string
	var chosen int
	for flagName, set := range map[string]bool{"-d": *dogbin, "-n": *nekobin, "-h": *hastebin} {
		if set {
			selector = flagName
			chosen++
		}
	}
	if chosen > 1 {
		fmt.Fprintln(stderr, "Invalid flag: -d, -n and -h are mutually exclusive")
		return 2
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger.SetupWriter(stderr, level, "text")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *timeout > 0 {
		cfg.Publish.Timeout = *timeout
	}

	content, err := readContent(fs.Args(), *file, stdin)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := paste.Validate(content); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	p := publisher.New(string(content), relay.PublisherOptions(cfg)...)
	defer p.Close()

	if selector != "" {
		err = p.PublishVia(ctx, selector)
	} else {
		err = p.Publish(ctx)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if !p.OK() {
		fmt.Fprintln(stderr, "Failed to reach Pastebin Service")
		return 1
	}

	fmt.Fprintln(stdout, "Pasted successfully!")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "URL:", p.ViewLink())
	fmt.Fprintln(stdout, "Raw:", p.RawLink())
	return 0
}

func readContent(args []string, file string, stdin io.Reader) ([]byte, error) {
	if len(args) > 0 {
		return []byte(strings.TrimSpace(strings.Join(args, " "))), nil
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, int64(config.MaxPayloadSize)+1))
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return data, nil
}
