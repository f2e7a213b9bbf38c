package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"boardflash-agent/internal/agent"
	"boardflash-agent/internal/catalog"
	"boardflash-agent/internal/config"
	"boardflash-agent/internal/flasher"
	"boardflash-agent/internal/orchestrator"
	"boardflash-agent/internal/version"
	"boardflash-agent/pkg/log"
)

func main() {
	// Parse command line flags
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help information")
	configPath := flag.String("config", "boardflash.config.yaml", "Path to configuration file")
	listTargets := flag.String("list-targets", "", "List flash targets for a flasher variant and exit")
	deviceName := flag.String("device", "", "Device name to flash (one-shot mode)")
	imageName := flag.String("image", "", "Catalog image name to flash (one-shot mode)")
	targetPath := flag.String("target", "", "Target device path or address (one-shot mode)")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Printf("BoardFlash Agent version: %s (#%d)\n", version.String(), version.Numeric())
		os.Exit(0)
	}

	if *showHelp {
		fmt.Println("BoardFlash Agent")
		fmt.Println("Usage: boardflash-agent [options]")
		fmt.Println("Options:")
		fmt.Println("  --version       Show version information")
		fmt.Println("  --help          Show help information")
		fmt.Println("  --config        Path to configuration file (default: boardflash.config.yaml)")
		fmt.Println("  --list-targets  List flash targets for a flasher variant and exit")
		fmt.Println("  --device        Device name to flash (one-shot mode)")
		fmt.Println("  --image         Catalog image name to flash (one-shot mode)")
		fmt.Println("  --target        Target device path or address (one-shot mode)")
		os.Exit(0)
	}

	log.Printf("Loading configuration from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.InitLog(cfg.LogLevel)

	// Target listing needs no agent, so it works without a catalog file.
	if *listTargets != "" {
		targets, err := flasher.DestinationsFor(catalog.Flasher(*listTargets))
		if err != nil {
			log.Fatalf("Failed to list targets: %v", err)
		}
		for _, t := range targets {
			fmt.Printf("%s\t%s\t%d\n", t.Path, t.Name, t.Size)
		}
		return
	}

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v", sig)
		log.Printf("Initiating graceful shutdown...")
		cancel()
	}()

	log.Debug("Creating agent")
	a, err := agent.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}
	defer a.Close()

	if *deviceName != "" || *imageName != "" || *targetPath != "" {
		if err := flashOnce(ctx, a, *deviceName, *imageName, *targetPath); err != nil {
			log.Fatalf("Flash failed: %v", err)
		}
		return
	}

	if err := a.Run(ctx); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}

// flashOnce resolves the catalog for the given device, finds the named image
// and runs a single flashing job, mirroring job events on stdout.
func flashOnce(ctx context.Context, a *agent.Agent, deviceName, imageName, targetPath string) error {
	if deviceName == "" || imageName == "" || targetPath == "" {
		return fmt.Errorf("one-shot mode needs --device, --image and --target")
	}

	dev, ok := a.Catalog().Device(deviceName)
	if !ok {
		return fmt.Errorf("unknown device %q", deviceName)
	}
	tag := deviceName
	if len(dev.Tags) > 0 {
		tag = dev.Tags[0]
	}

	res, err := a.Resolve(ctx, tag)
	if err != nil {
		return err
	}
	for _, be := range res.BranchErrors {
		log.Warn("catalog branch skipped", "branch", be.Branch, "error", be.Err)
	}

	var entry *catalog.Entry
	for _, leaf := range res.Leaves {
		if leaf.Name == imageName {
			entry = leaf
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("image %q not found for device %q", imageName, deviceName)
	}

	events, unsubscribe := a.Events()
	defer unsubscribe()
	go func() {
		for ev := range events {
			if ev.Detail != "" {
				fmt.Printf("%s\t%s\t%d%%\t%s\n", ev.JobID, ev.Status, ev.Percent, ev.Detail)
			} else {
				fmt.Printf("%s\t%s\t%d%%\n", ev.JobID, ev.Status, ev.Percent)
			}
		}
	}()

	job, err := a.Flash(ctx, orchestrator.Request{
		Entry:  entry,
		Device: dev,
		Target: flasher.Target{Name: targetPath, Path: targetPath},
	})
	if err != nil {
		return err
	}

	status, jobErr := job.Wait(context.Background())
	if jobErr != nil {
		return fmt.Errorf("job ended with status %s: %w", status, jobErr)
	}
	log.Printf("Job finished with status %s", status)
	return nil
}
