// Revtun is the revtun tunneling client CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/lipgloss"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/revtun/revtun/internal/client"
	"github.com/revtun/revtun/pkg/protocol"
)

var (
	version = "1.0.0"
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "revtun",
	Short: "Expose local services to the internet through a revtun server",
	Long: `Revtun is a reverse-tunnel client: it logs into a revtund server over a
persistent control connection and publishes a local service as a public
HTTP subdomain or TCP port.

Examples:
  revtun http 3000                    # Expose local port 3000 over HTTP
  revtun http 3000 --subdomain myapp  # Request a specific subdomain
  revtun tcp 22                       # Expose local port 22 over TCP

Configuration via environment variables:
  REVTUN_SERVER - Server URL (e.g., https://tun.example.com)
  REVTUN_TOKEN  - Authentication token`,
}

var httpCmd = &cobra.Command{
	Use:   "http <port>",
	Short: "Expose a local HTTP service",
	Long: `Expose a local HTTP service to the internet through the revtun tunnel.

The local service will be accessible at https://<subdomain>.<base-domain>`,
	Args: cobra.ExactArgs(1),
	RunE: runTunnel("http"),
}

var tcpCmd = &cobra.Command{
	Use:   "tcp <port>",
	Short: "Expose a local TCP service",
	Long: `Expose a local TCP service to the internet through the revtun tunnel.

The server allocates a port from its configured range; the client prints the
entrypoint as tcp://0.0.0.0:<port>, and public clients connect to that port
on the server's host.`,
	Args: cobra.ExactArgs(1),
	RunE: runTunnel("tcp"),
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.revtun.yaml)")
	rootCmd.PersistentFlags().StringP("server", "s", "", "revtund server URL")
	rootCmd.PersistentFlags().StringP("token", "t", "", "Authentication token")
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	for _, c := range []*cobra.Command{httpCmd, tcpCmd} {
		c.Flags().String("host", "127.0.0.1", "Local host to forward to")
		c.Flags().Bool("tui", false, "Enable interactive TUI for request inspection")
		c.Flags().Bool("qr", false, "Print a QR code for the public URL")
		c.Flags().Bool("copy-url", false, "Copy the public URL to the clipboard")
	}
	httpCmd.Flags().String("subdomain", "", "Request a specific subdomain")
	httpCmd.Flags().Bool("no-rewrite-host", false, "Don't rewrite the Host header")
	httpCmd.Flags().String("basic-auth", "", "Protect the tunnel with HTTP basic auth (user:pass)")

	rootCmd.AddCommand(httpCmd, tcpCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("revtun version %s\n", version)
		},
	})
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".revtun")
		}
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("REVTUN")
	viper.AutomaticEnv()
	viper.BindEnv("server", "REVTUN_SERVER")
	viper.BindEnv("token", "REVTUN_TOKEN")

	viper.ReadInConfig()
}

func runTunnel(tunnelType string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid port: %s", args[0])
		}

		serverURL := viper.GetString("server")
		if serverURL == "" {
			return fmt.Errorf("server URL is required (set REVTUN_SERVER or use --server)")
		}
		token := viper.GetString("token")
		if token == "" {
			return fmt.Errorf("authentication token is required (set REVTUN_TOKEN or use --token)")
		}

		host, _ := cmd.Flags().GetString("host")
		useTUI, _ := cmd.Flags().GetBool("tui")
		useQR, _ := cmd.Flags().GetBool("qr")
		copyURL, _ := cmd.Flags().GetBool("copy-url")

		cfg := &client.Config{
			ServerURL:  serverURL,
			Token:      token,
			LocalPort:  port,
			LocalHost:  host,
			TunnelType: tunnelType,
		}
		if tunnelType == "http" {
			subdomain, _ := cmd.Flags().GetString("subdomain")
			noRewrite, _ := cmd.Flags().GetBool("no-rewrite-host")
			basicAuth, _ := cmd.Flags().GetString("basic-auth")
			cfg.Subdomain = subdomain
			cfg.RewriteHost = !noRewrite
			cfg.BasicAuth = basicAuth
		}

		c, err := client.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create client: %w", err)
		}
		defer c.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			if !useTUI {
				fmt.Println()
				shutdownStyle := lipgloss.NewStyle().Foreground(warningColor)
				fmt.Println(shutdownStyle.Render("   ⏹  Shutting down tunnel..."))
			}
			cancel()
			c.Close()
		}()

		if !useTUI {
			c.SetQuietMode(true)
			connectingStyle := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
			fmt.Println()
			fmt.Println(connectingStyle.Render("   Connecting to server..."))
		}

		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}

		if copyURL {
			if err := clipboard.WriteAll(c.PublicURL()); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to copy URL to clipboard: %v\n", err)
			}
		}

		if useTUI {
			go c.Run(ctx)
			return client.RunTUI(c)
		}

		printConnectionInfo(c)
		if useQR {
			printQRCode(c.PublicURL())
		}

		c.OnRequest = func(log protocol.RequestLog) {
			printRequest(log)
		}

		return c.Run(ctx)
	}
}

func printQRCode(target string) {
	fmt.Println()
	qrterminal.GenerateHalfBlock(target, qrterminal.L, os.Stdout)
	fmt.Println()
}

// UI Styles
var (
	primaryColor = lipgloss.Color("#7C3AED")
	accentColor  = lipgloss.Color("#10B981")
	mutedColor   = lipgloss.Color("#6B7280")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	infoColor    = lipgloss.Color("#3B82F6")

	logoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	urlLabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	urlValueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	statusDotStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	statusTextStyle = lipgloss.NewStyle().
			Foreground(accentColor)

	forwardStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	helpTextStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true).
			MarginTop(1)

	timeStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(10)

	methodGetStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(successColor).
			Width(7)

	methodPostStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(warningColor).
			Width(7)

	methodPutStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(infoColor).
			Width(7)

	methodDeleteStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(errorColor).
			Width(7)

	methodPatchStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8B5CF6")).
			Width(7)

	methodDefaultStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(mutedColor).
			Width(7)

	pathLogStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#D1D5DB"))

	statusSuccessStyle = lipgloss.NewStyle().
			Foreground(successColor)

	statusRedirectStyle = lipgloss.NewStyle().
			Foreground(infoColor)

	statusClientErrStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	statusServerErrStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	durationLogStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	arrowStyle = lipgloss.NewStyle().
			Foreground(primaryColor)
)

func printConnectionInfo(c *client.Client) {
	logo := logoStyle.Render(`
   ██████╗ ███████╗██╗   ██╗████████╗██╗   ██╗███╗   ██╗
   ██╔══██╗██╔════╝██║   ██║╚══██╔══╝██║   ██║████╗  ██║
   ██████╔╝█████╗  ██║   ██║   ██║   ██║   ██║██╔██╗ ██║
   ██╔══██╗██╔══╝  ╚██╗ ██╔╝   ██║   ██║   ██║██║╚██╗██║
   ██║  ██║███████╗ ╚████╔╝    ██║   ╚██████╔╝██║ ╚████║
   ╚═╝  ╚═╝╚══════╝  ╚═══╝     ╚═╝    ╚═════╝ ╚═╝  ╚═══╝`)
	fmt.Println(logo)

	statusDot := statusDotStyle.Render("●")
	statusText := statusTextStyle.Render("Tunnel Active")
	fmt.Printf("   %s %s\n", statusDot, statusText)
	fmt.Println()

	fmt.Println(urlLabelStyle.Render("   Public URL"))
	fmt.Printf("%s %s\n", arrowStyle.Render("   →"), urlValueStyle.Render(c.PublicURL()))
	fmt.Println()

	fmt.Println(forwardStyle.Render("   Forwarding to"))
	localAddr := forwardStyle.Render(fmt.Sprintf("%s:%d", c.Config().LocalHost, c.Config().LocalPort))
	fmt.Printf("%s %s\n", arrowStyle.Render("   →"), localAddr)
	fmt.Println()

	divider := lipgloss.NewStyle().Foreground(mutedColor).Render("   " + strings.Repeat("─", 51))
	fmt.Println(divider)
	fmt.Println()
	fmt.Println(helpTextStyle.Render("   Press Ctrl+C to stop the tunnel"))
	fmt.Println()

	if c.Config().TunnelType != "tcp" {
		headerStyle := lipgloss.NewStyle().Foreground(mutedColor).Bold(true)
		fmt.Println(headerStyle.Render("   Requests"))
		fmt.Println()
	}
}

func getMethodStyle(method string) lipgloss.Style {
	switch method {
	case "GET":
		return methodGetStyle
	case "POST":
		return methodPostStyle
	case "PUT":
		return methodPutStyle
	case "DELETE":
		return methodDeleteStyle
	case "PATCH":
		return methodPatchStyle
	default:
		return methodDefaultStyle
	}
}

func getStatusStyle(code int) lipgloss.Style {
	switch {
	case code >= 200 && code < 300:
		return statusSuccessStyle
	case code >= 300 && code < 400:
		return statusRedirectStyle
	case code >= 400 && code < 500:
		return statusClientErrStyle
	case code >= 500:
		return statusServerErrStyle
	default:
		return lipgloss.NewStyle()
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func printRequest(log protocol.RequestLog) {
	timestamp := timeStyle.Render(log.Timestamp.Format("15:04:05"))
	method := getMethodStyle(log.Method).Render(log.Method)
	path := pathLogStyle.Render(log.Path)
	status := getStatusStyle(log.StatusCode).Render(fmt.Sprintf("%d", log.StatusCode))
	duration := durationLogStyle.Render(formatDuration(log.Duration))

	fmt.Printf("   %s  %s %s %s %s\n", timestamp, method, status, duration, path)
}
