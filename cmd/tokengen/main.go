// Command tokengen issues access tokens for owners, installers and fleet
// administrators.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/auth"
	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

func main() {
	subject := flag.String("subject", "", "account id carried in the token")
	role := flag.String("role", constants.AccountOwner, "owner, installer or fleet_admin")
	vehicles := flag.String("vehicles", "", "comma separated vehicle ids the token may access")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	_ = godotenv.Load()

	if *subject == "" {
		logger.Fatal().Msg("-subject is required")
	}
	switch *role {
	case constants.AccountOwner, constants.AccountInstaller, constants.AccountFleetAdmin:
	default:
		logger.Fatal().Str("role", *role).Msg("Unsupported role")
	}

	var ids []string
	for _, v := range strings.Split(*vehicles, ",") {
		if v = strings.TrimSpace(v); v != "" {
			ids = append(ids, v)
		}
	}

	issuer, err := auth.NewIssuer([]byte(os.Getenv("TRACKER_AUTH_JWT_SECRET")))
	if err != nil {
		logger.Fatal().Err(err).Msg("TRACKER_AUTH_JWT_SECRET is not usable")
	}
	token, exp, err := issuer.Issue(*subject, *role, ids, *ttl)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to issue token")
	}
	logger.Info().Str("subject", *subject).Str("role", *role).Time("expires_at", exp).Msg("Token issued")
	fmt.Println(token)
}
