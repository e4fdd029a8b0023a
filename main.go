package main

import (
	"os"

	"github.com/elm-review-bot/elm-oauth-middleware/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
