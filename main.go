package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"putseller/config"
	"putseller/domain"
	"putseller/logs"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the config.yaml file")
	oppsPath := flag.String("opportunities", "", "Path to a YAML list of screened opportunities (optional)")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: .env file not found, will continue using system environment variables.")
	}

	// Load main configuration file
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Fatal error: Unable to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}

	// Gateway credentials come from the environment
	envCfg := config.LoadEnvConfig()
	cfg.ApplyEnv(envCfg)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Fatal error: Invalid configuration after applying environment: %v\n", err)
		os.Exit(1)
	}

	logFilename := filepath.Join(cfg.Normal.LogDirectory, "putseller.log")
	if err := logs.Init(cfg.Logs, logFilename); err != nil {
		fmt.Printf("Fatal error: Failed to initialize logging system: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()

	logs.Infof("Configuration loaded successfully, logs will be written to: %s", logFilename)

	var opportunities []domain.TradeOpportunity
	if *oppsPath != "" {
		opportunities, err = config.LoadOpportunities(*oppsPath)
		if err != nil {
			logs.Fatalf("Failed to load opportunities: %v", err)
		}
		logs.Infof("Loaded %d opportunities from %s", len(opportunities), *oppsPath)
	}

	orchestrator, err := NewOrchestrator(cfg, envCfg, opportunities)
	if err != nil {
		logs.Fatalf("Failed to initialize Orchestrator: %v", err)
	}
	orchestrator.Start()

	// SIGHUP reloads the runtime switches; SIGINT/SIGTERM stop the engine.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			orchestrator.Reload(*configPath)
			continue
		}
		break
	}

	// Execute graceful shutdown
	orchestrator.Stop()
}
