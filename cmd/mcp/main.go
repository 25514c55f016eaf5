// Command mcp serves the splitpay API to MCP clients over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/pflag"

	"github.com/mbd888/splitpay/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	apiURL := os.Getenv("SPLITPAY_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	var cfg mcpserver.Config
	pflag.StringVar(&cfg.APIURL, "api-url", apiURL, "splitpay API base URL")
	pflag.StringVar(&cfg.Payer, "payer", os.Getenv("SPLITPAY_PAYER_ADDRESS"), "default devnet payer for pay_intent")
	pflag.Parse()

	// stdout carries the protocol; diagnostics go to stderr.
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
		os.Exit(1)
	}
}
