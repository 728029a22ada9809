package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/term"

	"github.com/pgmasq/pgmasq/pkg/config"
	"github.com/pgmasq/pgmasq/pkg/frontend"
	"github.com/pgmasq/pgmasq/pkg/observability"
)

//go:embed README.md
var readmeMarkdown string

var bannerLines = []string{
	`     ____   ____ _ ____ ___   ____ _ _____ ____ _  `,
	`    / __ \ / __ '// __ '__ \ / __ '// ___// __ '/  `,
	`   / /_/ // /_/ // / / / / // /_/ /(__  )/ /_/ /   `,
	`  / .___/ \__, //_/ /_/ /_/ \__,_//____/ \__, /    `,
	` /_/     /____/                            /_/     `,
}

func printBanner() {
	// Gradient from teal to purple
	teal, _ := colorful.Hex("#00CED1")
	purple, _ := colorful.Hex("#9B30FF")
	bgColor := lipgloss.Color("#1a1a2e")

	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := teal.BlendLuv(purple, t)
			style := lipgloss.NewStyle().
				Foreground(lipgloss.Color(c.Hex())).
				Background(bgColor).
				Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}

	box := lipgloss.NewStyle().
		Background(bgColor).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))

	fmt.Println(box)
	fmt.Println()
}

var (
	// Styles for usage output
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00CED1"))

	descStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	flagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9B30FF")).
			Bold(true)

	exampleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)
)

func printUsage() {
	fmt.Println(titleStyle.Render("Usage:"))
	fmt.Print("  pgmasq ")
	flag.VisitAll(func(f *flag.Flag) {
		if f.Name == "help" {
			return
		}
		fmt.Printf("%s ", flagStyle.Render("-"+f.Name+" <"+f.Name+">"))
	})
	fmt.Println()
	fmt.Println()

	fmt.Println(titleStyle.Render("Options:"))
	flag.VisitAll(func(f *flag.Flag) {
		typeName := fmt.Sprintf("%T", f.Value)
		// Extract type name from *flag.stringValue -> string
		typeName = strings.TrimPrefix(typeName, "*flag.")
		typeName = strings.TrimSuffix(typeName, "Value")

		fmt.Printf("  %s %s\n",
			flagStyle.Render("-"+f.Name),
			descStyle.Render(typeName))
		fmt.Printf("      %s\n", f.Usage)
	})
	fmt.Println()

	fmt.Println(titleStyle.Render("Example:"))
	fmt.Println(exampleStyle.Render("  pgmasq -config /etc/pgmasq/pgmasq.json"))
	fmt.Println()

	fmt.Println(descStyle.Render("Run 'pgmasq -help' for full configuration documentation."))
	fmt.Println()
}

func printFullDocs() {
	// Get terminal width, default to 80 if not a terminal
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		// Fallback to raw markdown
		fmt.Println(readmeMarkdown)
		return
	}

	out, err := renderer.Render(readmeMarkdown)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}

	fmt.Print(out)
}

func main() {
	configPath := flag.String("config", "", "path to pgmasq.json config file")
	jsonLogs := flag.Bool("json", false, "output logs in JSON format")
	showHelp := flag.Bool("help", false, "show full documentation")
	promListen := flag.String("prometheus", "", "serve Prometheus metrics on this address (host:port/path), overrides config")
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printFullDocs()
		os.Exit(0)
	}

	// Show compact usage when no config provided
	if *configPath == "" {
		printBanner()
		printUsage()
		os.Exit(1)
	}

	var handler slog.Handler
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := config.ReadConfigFile(*configPath)
	if err != nil {
		logger.Error("failed to read config", "error", err)
		os.Exit(1)
	}
	if *promListen != "" {
		cfg.Prometheus = config.ParsePrometheusListen(*promListen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secrets, err := config.NewSecretCacheFromEnv(ctx)
	if err != nil {
		logger.Error("failed to create secrets cache", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(ctx, secrets); err != nil {
		logger.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	logger.Info("config validated", "path", *configPath)

	var metrics *observability.Metrics
	metricsServer := observability.NewMetricsServer(cfg.Prometheus, logger)
	if metricsServer.Enabled() {
		metrics = observability.DefaultMetrics()
		if err := metricsServer.Start(); err != nil {
			logger.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer metricsServer.Shutdown(context.Background())
	}

	svc, err := frontend.NewService(ctx, cfg, secrets, metrics, logger)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	if err := svc.Listen(); err != nil && ctx.Err() == nil {
		logger.Error("service error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
