// Package main runs review-notifier, which polls marketplace seller review APIs
// and posts newly seen low-rated reviews to a team chat.
package main

import (
	"os"

	"review-notifier/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
