// Command token prints a signed access token for local testing of the REST and
// websocket endpoints.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"diagramsync/api/internal/auth"
	"diagramsync/api/internal/config"
)

func main() {
	userID := flag.String("user", "", "user id placed in the token subject")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: token -user <id> [-ttl 12h]")
		os.Exit(2)
	}

	cfg := config.Load()
	token, err := auth.IssueToken([]byte(cfg.JWTSecret), *userID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
