// Command chatcheckpoint runs checkpointed conversations against a language
// model. It can serve the HTTP API, run a conversation from the terminal and
// report session history and model spend.
package main

import (
	"os"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
