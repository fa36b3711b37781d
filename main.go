package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/config"
	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
	"github.com/codefionn/mitschnitt/mitschnitt-srv/proxy"
)

var version string

func main() {
	cfg := parseFlagsAndConfig()
	runProxy(cfg)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() *config.Config {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("mitschnitt version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting mitschnitt intercepting proxy")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	if !*debugMode && cfg.LogLevel != "" {
		logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	}

	logger.Debug("Configuration loaded successfully")
	logger.Debug("Listen address: %s", cfg.ListenAddress)
	if cfg.DirectTLSAddress != "" {
		logger.Debug("Direct TLS address: %s", cfg.DirectTLSAddress)
	}
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)

	return cfg
}

// runProxy starts and manages the proxy server, including signal handling.
func runProxy(cfg *config.Config) {
	proxyInstance, err := proxy.NewServer(cfg)
	if err != nil {
		logger.Fatal("Failed to create proxy: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Starting proxy server...")
		if err := proxyInstance.Start(); err != nil {
			logger.Fatal("Proxy server error: %v", err)
		}
	}()

	sig := <-sigChan
	logger.Info("Received signal %v, shutting down proxy server...", sig)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proxyInstance.Stop(ctx); err != nil {
		logger.Error("Error during shutdown: %v", err)
	}
	logger.Info("Proxy server shutdown complete")
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
