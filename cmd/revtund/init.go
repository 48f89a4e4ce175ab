package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/revtun/revtun/internal/config"
)

const (
	defaultConfigDir   = "/etc/revtun"
	defaultSystemdPath = "/etc/systemd/system/revtund.service"
	defaultBindAddr    = ":8080"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize revtund server configuration",
	Long: `Interactive setup wizard to configure the revtund server.

This command will:
- Generate a secure authentication token for the first user
- Configure the server settings (domain, bind address, TCP port range)
- Create the configuration file at /etc/revtun/revtund.yaml
- Optionally install and enable the systemd service

Run with sudo for full functionality (systemd installation).`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println()
	fmt.Println("  ╭───────────────────────────────────╮")
	fmt.Println("  │    revtund Server Setup Wizard    │")
	fmt.Println("  ╰───────────────────────────────────╯")
	fmt.Println()

	if runtime.GOOS == "windows" {
		fmt.Println("Note: Windows detected. Systemd features are not available.")
		fmt.Println("      Configuration will be saved for manual use.")
		fmt.Println()
	}

	isRoot := os.Geteuid() == 0
	if runtime.GOOS != "windows" && !isRoot {
		fmt.Println("Warning: Not running as root. Some features will be limited:")
		fmt.Println("  - Cannot create /etc/revtun directory")
		fmt.Println("  - Cannot install systemd service")
		fmt.Println()
		fmt.Println("Run with sudo for full functionality: sudo revtund init")
		fmt.Println()
		fmt.Print("Continue anyway? [y/N]: ")
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
		fmt.Println()
	}

	configPath := filepath.Join(defaultConfigDir, "revtund.yaml")
	if !isRoot {
		home, _ := os.UserHomeDir()
		configPath = filepath.Join(home, ".revtund.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Existing configuration found at %s\n", configPath)
		fmt.Print("Overwrite? [y/N]: ")
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
		fmt.Println()
	}

	fmt.Print("Generating secure authentication token... ")
	token, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	fmt.Println("Done")
	fmt.Println()

	fmt.Println("Enter the base domain for your tunnel server.")
	fmt.Println("HTTP entrypoints are published as <subdomain>.<base-domain>.")
	fmt.Println("Example: tun.example.com")
	fmt.Println()
	fmt.Print("Base domain: ")
	domain, _ := reader.ReadString('\n')
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return fmt.Errorf("base domain is required")
	}
	if !isValidDomain(domain) {
		return fmt.Errorf("invalid domain format: %s", domain)
	}

	fmt.Println()
	fmt.Printf("Server bind address [%s]: ", defaultBindAddr)
	bindAddr, _ := reader.ReadString('\n')
	bindAddr = strings.TrimSpace(bindAddr)
	if bindAddr == "" {
		bindAddr = defaultBindAddr
	}

	fmt.Println()
	fmt.Print("TCP tunnel port range [10000-20000]: ")
	rangeStr, _ := reader.ReadString('\n')
	rangeStr = strings.TrimSpace(rangeStr)
	if rangeStr == "" {
		rangeStr = "10000-20000"
	}
	if _, err := config.ParsePortRange(rangeStr); err != nil {
		return fmt.Errorf("invalid port range: %w", err)
	}

	fmt.Println()

	cfg := &config.Config{
		Core: config.Core{
			AuthMethod: "token",
			BindAddr:   bindAddr,
			AllowPorts: rangeStr,
		},
		HTTP: config.HTTP{
			BindAddr:      bindAddr,
			DefaultDomain: domain,
		},
		Tokens: map[string]string{
			"default": token,
		},
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	fmt.Print("Saving configuration... ")
	if isRoot {
		if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
			fmt.Println("FAILED")
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := config.Save(configPath, cfg); err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Println("Done")
	fmt.Printf("Configuration saved to: %s\n", configPath)

	if runtime.GOOS == "linux" && isRoot {
		fmt.Println()
		fmt.Print("Install systemd service? [Y/n]: ")
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))

		if response == "" || response == "y" || response == "yes" {
			if err := installSystemdService(configPath); err != nil {
				fmt.Printf("\nWarning: Failed to install systemd service: %v\n", err)
				fmt.Println("You can install it manually later.")
			} else {
				fmt.Println()
				fmt.Println("Systemd service installed and enabled.")
				fmt.Println()
				fmt.Print("Start the server now? [Y/n]: ")
				startResp, _ := reader.ReadString('\n')
				startResp = strings.TrimSpace(strings.ToLower(startResp))
				if startResp == "" || startResp == "y" || startResp == "yes" {
					if err := startService(); err != nil {
						fmt.Printf("Warning: Failed to start service: %v\n", err)
					} else {
						fmt.Println("Server started successfully!")
					}
				}
			}
		}
	}

	printSetupSummary(cfg, configPath, isRoot)
	return nil
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func isValidDomain(domain string) bool {
	if len(domain) == 0 || len(domain) > 253 {
		return false
	}
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")
	for _, part := range strings.Split(domain, ".") {
		if len(part) == 0 || len(part) > 63 {
			return false
		}
		for i, c := range part {
			if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || (c == '-' && i > 0 && i < len(part)-1)) {
				return false
			}
		}
	}
	return strings.Contains(domain, ".")
}

func installSystemdService(configPath string) error {
	fmt.Print("Creating revtun system user... ")
	cmd := exec.Command("useradd", "-r", "-s", "/bin/false", "-d", "/var/lib/revtun", "revtun")
	cmd.Run() // Ignore error - user might exist
	fmt.Println("Done")

	fmt.Print("Installing systemd service... ")
	unit := fmt.Sprintf(systemdServiceTemplate, configPath)
	if err := os.WriteFile(defaultSystemdPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("failed to write service file: %w", err)
	}
	fmt.Println("Done")

	fmt.Print("Reloading systemd... ")
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	fmt.Println("Done")

	fmt.Print("Enabling revtund service... ")
	if err := exec.Command("systemctl", "enable", "revtund").Run(); err != nil {
		return fmt.Errorf("failed to enable service: %w", err)
	}
	fmt.Println("Done")
	return nil
}

func startService() error {
	return exec.Command("systemctl", "start", "revtund").Run()
}

func printSetupSummary(cfg *config.Config, configPath string, isRoot bool) {
	fmt.Println()
	fmt.Println("  ╭───────────────────────────────────────────────────────╮")
	fmt.Println("  │              Setup Complete!                          │")
	fmt.Println("  ╰───────────────────────────────────────────────────────╯")
	fmt.Println()
	fmt.Println("  Server Configuration:")
	fmt.Printf("    Domain:       %s\n", cfg.HTTP.DefaultDomain)
	fmt.Printf("    Bind address: %s\n", cfg.HTTP.BindAddr)
	fmt.Printf("    TCP ports:    %s\n", cfg.Core.AllowPorts)
	fmt.Printf("    Config file:  %s\n", configPath)
	fmt.Println()
	fmt.Println("  ─────────────────────────────────────────────────────────")
	fmt.Println()
	fmt.Println("  Client Connection Info (share with users):")
	fmt.Println()
	fmt.Printf("    Server URL:   https://%s\n", cfg.HTTP.DefaultDomain)
	fmt.Printf("    Token:        %s\n", cfg.Tokens["default"])
	fmt.Println()
	fmt.Println("  ─────────────────────────────────────────────────────────")
	fmt.Println()

	if runtime.GOOS == "linux" && isRoot {
		fmt.Println("  Server Management:")
		fmt.Println("    sudo systemctl start revtund    # Start server")
		fmt.Println("    sudo systemctl stop revtund     # Stop server")
		fmt.Println("    sudo systemctl status revtund   # Check status")
		fmt.Println("    sudo journalctl -u revtund -f   # View logs")
	} else {
		fmt.Println("  To start the server manually:")
		fmt.Printf("    revtund --config %s\n", configPath)
	}

	fmt.Println()
	fmt.Println("  Next Steps:")
	fmt.Println("    1. Point the base domain's DNS (and any wildcard subdomain) at this host")
	fmt.Println("    2. Share the Server URL and Token with your users")
	fmt.Println("    3. Users run: revtun http 3000 --server https://" + cfg.HTTP.DefaultDomain + " --token <token>")
	fmt.Println()
}

const systemdServiceTemplate = `[Unit]
Description=revtun Tunneling Server Daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=revtun
Group=revtun

ExecStart=/usr/local/bin/revtund --config %s

Restart=on-failure
RestartSec=5s

LimitNOFILE=65536

NoNewPrivileges=yes
ProtectSystem=strict
ProtectHome=yes
PrivateTmp=yes
PrivateDevices=yes
ProtectKernelTunables=yes
ProtectKernelModules=yes
ProtectControlGroups=yes
RestrictSUIDSGID=yes
RestrictNamespaces=yes

StandardOutput=journal
StandardError=journal
SyslogIdentifier=revtund

[Install]
WantedBy=multi-user.target
`
