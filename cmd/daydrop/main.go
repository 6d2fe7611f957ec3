package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"daydrop/internal/client/transfer"
)

const usage = `daydrop - temporary file drop client

Usage:
  daydrop send [-server URL] [-captcha TOKEN] [-encrypt] <file>
  daydrop fetch [-server URL] [-captcha TOKEN] [-o PATH] <code>

The captcha token is a solved Turnstile challenge proof, typically obtained
through the web frontend.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "fetch":
		err = runFetch(ctx, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	server := fs.String("server", envOr("DAYDROP_SERVER", "http://localhost:8080"), "server base URL")
	captchaToken := fs.String("captcha", os.Getenv("DAYDROP_CAPTCHA"), "solved captcha proof")
	encrypt := fs.Bool("encrypt", false, "encrypt the file under the retrieval code")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("send expects exactly one file")
	}
	if *captchaToken == "" {
		return fmt.Errorf("a captcha proof is required (-captcha or DAYDROP_CAPTCHA)")
	}

	up := transfer.NewUploader(transfer.NewAPIClient(*server), *captchaToken)
	res, err := up.Upload(ctx, fs.Arg(0), *encrypt)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Uploaded %d bytes in %d parts (%s)\n", res.Size, res.Parts, res.Duration.Round(10*time.Millisecond))
	if *encrypt {
		fmt.Println("  File is encrypted; the code is also the key.")
	}
	fmt.Printf("\nRetrieval code: %s\n", res.Code)
	return nil
}

func runFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	server := fs.String("server", envOr("DAYDROP_SERVER", "http://localhost:8080"), "server base URL")
	captchaToken := fs.String("captcha", os.Getenv("DAYDROP_CAPTCHA"), "solved captcha proof")
	out := fs.String("o", "", "output path (defaults to the stored filename)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("fetch expects exactly one code")
	}
	if *captchaToken == "" {
		return fmt.Errorf("a captcha proof is required (-captcha or DAYDROP_CAPTCHA)")
	}

	dl := transfer.NewDownloader(transfer.NewAPIClient(*server), *captchaToken)
	res, err := dl.Fetch(ctx, fs.Arg(0), ".", *out)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Downloaded %s (%d bytes, %s)\n", res.Path, res.Size, res.Duration.Round(10*time.Millisecond))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
