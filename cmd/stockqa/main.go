package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ashwinyue/stockqa/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "stockqa",
	Short: "Stock analysis question answering service",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "./configs/config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfig 配置文件不存在时只使用默认值和环境变量
func loadConfig() (*config.Config, error) {
	path := configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return config.Load(path)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
