package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc/credentials/insecure"

	"google.golang.org/grpc"

	"github.com/joshp123/gohome-vacuum/internal/config"
	"github.com/joshp123/gohome-vacuum/internal/core"
	"github.com/joshp123/gohome-vacuum/internal/rpc"
)

func main() {
	args, jsonOutput, err := takeFlag(os.Args[1:], "json")
	if err != nil {
		fatal("parse flags", err)
	}
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	addr := resolveAddr()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := grpcurl.BlockingDial(ctx, "tcp", addr, insecure.NewCredentials())
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close()

	switch args[0] {
	case "plugins":
		pluginsCmd(ctx, conn, args[1:], jsonOutput)
	case "services":
		servicesCmd(ctx, conn)
	case "methods":
		methodsCmd(ctx, conn, args[1:])
	case "call":
		callCmd(ctx, conn, args[1:])
	case "vacuum":
		vacuumCmd(ctx, conn, args[1:], jsonOutput)
	default:
		usage()
		os.Exit(2)
	}
}

// takeFlag removes a boolean flag from anywhere in args, so it may follow
// positional arguments. It accepts -name, --name and --name=<bool>.
func takeFlag(args []string, name string) ([]string, bool, error) {
	out := make([]string, 0, len(args))
	set := false
	for i, arg := range args {
		if arg == "--" {
			out = append(out, args[i:]...)
			break
		}
		flagName, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || flagName != name {
			out = append(out, arg)
			continue
		}
		set = true
		if hasValue {
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return nil, false, fmt.Errorf("flag -%s: %w", name, err)
			}
			set = parsed
		}
	}
	return out, set, nil
}

func pluginsCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := printer{w: os.Stdout, json: jsonOutput}
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "list":
		resp, err := rpc.Call(ctx, conn, core.RegistryServiceName, "ListPlugins", nil)
		if err != nil {
			fatal("list plugins", err)
		}
		if out.json {
			out.value(resp)
			return
		}
		var rows [][]string
		for _, plugin := range asList(resp["plugins"]) {
			rows = append(rows, []string{str(plugin["plugin_id"]), str(plugin["display_name"]), str(plugin["version"]), str(plugin["status"])})
		}
		out.table([]string{"id", "name", "version", "status"}, rows)
	case "describe":
		if len(args) < 2 {
			fatal("describe", fmt.Errorf("missing plugin id"))
		}
		resp, err := rpc.Call(ctx, conn, core.RegistryServiceName, "DescribePlugin", map[string]any{"plugin_id": args[1]})
		if err != nil {
			fatal("describe plugin", err)
		}
		if out.json {
			out.value(resp)
			return
		}
		plugin, _ := resp["plugin"].(map[string]any)
		fmt.Printf("id: %s\n", str(plugin["plugin_id"]))
		fmt.Printf("name: %s\n", str(plugin["display_name"]))
		fmt.Printf("version: %s\n", str(plugin["version"]))
		fmt.Printf("status: %s\n", str(plugin["status"]))
		if msg := str(plugin["health_message"]); msg != "" {
			fmt.Printf("health: %s\n", msg)
		}
		fmt.Println("services:")
		services, _ := plugin["services"].([]any)
		for _, svc := range services {
			fmt.Printf("  - %s\n", str(svc))
		}
		fmt.Println("dashboards:")
		for _, dash := range asList(plugin["dashboards"]) {
			fmt.Printf("  - %s (%s)\n", str(dash["name"]), str(dash["path"]))
		}
		fmt.Println("agents_md:")
		fmt.Println(str(plugin["agents_md"]))
	default:
		usage()
		os.Exit(2)
	}
}

func servicesCmd(ctx context.Context, conn *grpc.ClientConn) {
	descSource := reflectionSource(ctx, conn)
	services, err := grpcurl.ListServices(descSource)
	if err != nil {
		fatal("list services", err)
	}

	for _, service := range services {
		fmt.Println(service)
	}
}

func methodsCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	if len(args) < 1 {
		fatal("methods", fmt.Errorf("missing service name"))
	}

	descSource := reflectionSource(ctx, conn)
	methods, err := grpcurl.ListMethods(descSource, args[0])
	if err != nil {
		fatal("list methods", err)
	}

	for _, method := range methods {
		fmt.Println(method)
	}
}

func callCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	flags := flag.NewFlagSet("call", flag.ExitOnError)
	data := flags.String("data", "", "JSON request body")
	_ = flags.Parse(args)
	remaining := flags.Args()
	if len(remaining) < 1 {
		fatal("call", fmt.Errorf("missing method (service/method)"))
	}

	method := remaining[0]
	descSource := reflectionSource(ctx, conn)

	var reader io.Reader
	if *data != "" {
		reader = strings.NewReader(*data)
	} else if isStdinTerminal() {
		reader = strings.NewReader("{}")
	} else {
		reader = os.Stdin
	}

	parser, formatter, err := grpcurl.RequestParserAndFormatter(grpcurl.FormatJSON, descSource, reader, grpcurl.FormatOptions{})
	if err != nil {
		fatal("parse request", err)
	}

	handler := grpcurl.NewDefaultEventHandler(os.Stdout, descSource, formatter, false)
	if err := grpcurl.InvokeRPC(ctx, descSource, conn, method, nil, handler, parser.Next); err != nil {
		fatal("invoke", err)
	}
}

func reflectionSource(ctx context.Context, conn *grpc.ClientConn) grpcurl.DescriptorSource {
	client := grpcreflect.NewClientAuto(ctx, conn)
	return grpcurl.DescriptorSourceFromServer(ctx, client)
}

func isStdinTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return true
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func resolveAddr() string {
	if value := os.Getenv("GOHOME_GRPC_ADDR"); value != "" {
		return value
	}
	for _, path := range configSearchPaths() {
		if addr := addrFromConfig(path); addr != "" {
			return addr
		}
	}
	return "gohome:9000"
}

// dialAddr maps a wildcard listen address to the loopback one.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func configSearchPaths() []string {
	paths := []string{config.DefaultPath}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "gohome", "config.yaml"))
	}
	return paths
}

func addrFromConfig(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return ""
	}
	return dialAddr(cfg.Core.GRPCAddr)
}

func usage() {
	fmt.Println("gohome-cli <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  plugins list")
	fmt.Println("  plugins describe <plugin_id>")
	fmt.Println("  services")
	fmt.Println("  methods <service>")
	fmt.Println("  call <service/method> --data '{}' (or pipe JSON via stdin)")
	fmt.Println("  vacuum <command> [args] (see gohome-cli vacuum)")
	fmt.Println("")
	fmt.Println("Flags:")
	fmt.Println("  --json  print JSON instead of tables")
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
