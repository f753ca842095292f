// escrowd MCP server - exposes escrow operations as MCP tools for LLM agents.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/mcpserver"
)

var version = "dev"

func main() {
	key := os.Getenv("ESCROWD_PRIVATE_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_PRIVATE_KEY is required")
		os.Exit(1)
	}
	signer, err := auth.NewSignerFromHex(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ESCROWD_PRIVATE_KEY: %v\n", err)
		os.Exit(1)
	}

	cfg := mcpserver.Config{
		APIURL: envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		Signer: signer,
	}

	s := mcpserver.NewMCPServer(cfg, version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
