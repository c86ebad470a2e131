// collab_token mints an access token for the relay.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/cloneot/yjs-playground/backend/config"
	"github.com/cloneot/yjs-playground/backend/internal/authservice"
)

func main() {
	fs := pflag.NewFlagSet("collab_token", pflag.ExitOnError)
	userID := fs.Uint64("user-id", 1, "user id (sub claim)")
	username := fs.String("username", "anonymous", "user name")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	secret := fs.String("secret", "", "signing secret (default: auth.secret from collabConfig.yaml)")
	_ = fs.Parse(os.Args[1:])

	if *secret == "" {
		cfg, err := config.LoadServer()
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		*secret = cfg.Auth.Secret
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "no secret configured; the relay does not check tokens")
		os.Exit(1)
	}

	token, exp, err := authservice.SignAccessToken([]byte(*secret), *userID, *username, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
}
