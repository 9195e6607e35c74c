package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joshp123/gohome-vacuum/internal/agenix"
	"github.com/joshp123/gohome-vacuum/internal/blob"
	"github.com/joshp123/gohome-vacuum/internal/config"
	"github.com/joshp123/gohome-vacuum/plugins/roborock"
)

func roborockMain(args []string) {
	if len(args) == 0 {
		roborockUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "bootstrap":
		roborockBootstrapCmd(args[1:])
	default:
		roborockUsage()
		os.Exit(2)
	}
}

func roborockUsage() {
	fmt.Println("gohome roborock <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  bootstrap --email user@example.com [--code 123456] [--config path] [--bootstrap-file path]")
	fmt.Println("            [--agenix-repo path] [--agenix-secret name]")
}

func roborockBootstrapCmd(args []string) {
	flags := flag.NewFlagSet("roborock bootstrap", flag.ExitOnError)
	email := flags.String("email", "", "Roborock account email")
	code := flags.String("code", "", "Email verification code (if omitted, request one and prompt)")
	configPath := flags.String("config", envOrDefault("CONFIG_FILE", config.DefaultPath), "Path to config.yaml")
	bootstrapFile := flags.String("bootstrap-file", "", "Override bootstrap file path")
	agenixRepo := flags.String("agenix-repo", "", "Also encrypt the bootstrap into this nix-secrets repo")
	agenixSecret := flags.String("agenix-secret", "gohome-roborock-bootstrap", "Secret name inside --agenix-repo")
	_ = flags.Parse(args)

	if *email == "" {
		fatal("roborock bootstrap", fmt.Errorf("--email is required"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("roborock bootstrap", err)
	}
	if *bootstrapFile != "" {
		cfg.Roborock.BootstrapFile = *bootstrapFile
	}
	runtimeCfg, dir, err := roborock.ConfigFromSettings(cfg.Roborock)
	if err != nil {
		fatal("roborock bootstrap", err)
	}
	store, err := blob.New(cfg.Blob, dir)
	if err != nil {
		fatal("roborock bootstrap", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	api := roborock.NewWebAPI(*email, "")
	if *code == "" {
		if err := api.RequestCode(ctx); err != nil {
			fatal("roborock bootstrap", err)
		}
		fmt.Println("Verification code sent. Check your email.")
		reader := bufio.NewReader(os.Stdin)
		fmt.Print("Enter code: ")
		text, _ := reader.ReadString('\n')
		*code = strings.TrimSpace(text)
	}
	if *code == "" {
		fatal("roborock bootstrap", fmt.Errorf("code is required"))
	}

	state, err := roborock.Bootstrap(ctx, api, *email, *code)
	if err != nil {
		fatal("roborock bootstrap", err)
	}
	if err := roborock.SaveBootstrap(ctx, store, runtimeCfg.BootstrapKey, state); err != nil {
		fatal("roborock bootstrap", err)
	}

	where := cfg.Roborock.BootstrapFile
	if cfg.Blob.Enabled() {
		where = fmt.Sprintf("s3://%s/%s/%s.json", cfg.Blob.Bucket, cfg.Blob.Prefix, runtimeCfg.BootstrapKey)
	}
	fmt.Printf("Wrote Roborock bootstrap to %s\n", where)

	if *agenixRepo != "" {
		data, err := state.Encode()
		if err != nil {
			fatal("roborock bootstrap", err)
		}
		path, err := agenix.Secret{Repo: *agenixRepo, Name: *agenixSecret}.Write(ctx, data)
		if err != nil {
			fatal("roborock bootstrap", err)
		}
		fmt.Printf("Encrypted Roborock bootstrap to %s\n", path)
	}
}
