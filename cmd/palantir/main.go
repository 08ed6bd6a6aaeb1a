// Palantir is a multi-dialect LLM relay: it accepts requests in the claude,
// gemini and openai wire dialects and dispatches each to a configured
// upstream provider family, translating payloads and adapting stream shapes
// where the dialects differ.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/palantir.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("palantir", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
