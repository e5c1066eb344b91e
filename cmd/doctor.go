package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/codecanvas/codecanvas/internal/config"
	"github.com/codecanvas/codecanvas/internal/toolcli"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("codecanvas doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  LLM:")
	fmt.Printf("    %-12s %s\n", "Provider:", cfg.LLM.Provider)
	fmt.Printf("    %-12s %s\n", "Model:", cfg.LLM.DefaultModel)
	if cfg.LLM.APIKey != "" {
		fmt.Printf("    %-12s configured\n", "API key:")
	} else {
		fmt.Printf("    %-12s NOT SET (set API_KEY)\n", "API key:")
	}

	fmt.Println()
	fmt.Println("  Workspace:")
	if root := cfg.WorkspaceRoot(); root != "" {
		if fi, err := os.Stat(root); err == nil && fi.IsDir() {
			fmt.Printf("    %-12s %s (OK)\n", "Root:", root)
		} else {
			fmt.Printf("    %-12s %s (NOT A DIRECTORY)\n", "Root:", root)
		}
	} else {
		fmt.Printf("    %-12s not set (set CODE_PATH)\n", "Root:")
	}

	fmt.Println()
	fmt.Println("  Diagram renderers:")
	checkRenderer("d2", config.ExpandHome(cfg.Diagrams.D2Path))
	checkRenderer("mmdc", config.ExpandHome(cfg.Diagrams.MermaidPath))

	fmt.Println()
	fmt.Println("  Storage:")
	checkDir("History:", config.ExpandHome(cfg.History.Dir))
	checkDir("Static:", config.ExpandHome(cfg.Server.StaticDir))
	fmt.Printf("    %-12s %s\n", "Events DB:", config.ExpandHome(cfg.Events.DBPath))
}

func checkRenderer(tool, override string) {
	exe, err := toolcli.Locate(tool, override)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", tool+":")
		return
	}
	fmt.Printf("    %-12s %s\n", tool+":", exe)
}

func checkDir(label, dir string) {
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		fmt.Printf("    %-12s %s (OK)\n", label, dir)
		return
	}
	fmt.Printf("    %-12s %s (will be created)\n", label, dir)
}
