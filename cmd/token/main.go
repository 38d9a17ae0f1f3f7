// Command token mints a bearer token for local development.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"chat-sync/internal/auth"
	"chat-sync/internal/config"

	"github.com/gookit/color"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		color.Error.Println(err)
		os.Exit(1)
	}

	user := flag.String("user", "", "user id to embed in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	token, err := auth.GenerateToken(*user, []byte(cfg.AuthKey), *ttl)
	if err != nil {
		color.Error.Println("mint token:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
