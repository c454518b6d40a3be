// Command sessiontoken mints a credits-session bearer token for an account.
//
//	SESSION_ISSUER_KEY=<hex> sessiontoken -subject account-42 -ttl 24h
//
// The gateway admits the token when SESSION_ISSUER_ADDRESS is the address of
// the issuer key.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"paygate/internal/session"
)

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		log.Fatalf("sessiontoken: %v", err)
	}
}

func run(args []string, getenv func(string) string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sessiontoken", flag.ContinueOnError)
	subject := fs.String("subject", "", "account the session is issued to")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	showAddr := fs.Bool("address", false, "print the issuer address instead of a token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	keyHex := getenv("SESSION_ISSUER_KEY")
	if keyHex == "" {
		return fmt.Errorf("SESSION_ISSUER_KEY environment variable not set")
	}
	key, err := session.ParsePrivateKey(keyHex)
	if err != nil {
		return fmt.Errorf("invalid issuer key: %w", err)
	}
	issuer, err := session.NewIssuer(key, *ttl)
	if err != nil {
		return err
	}

	if *showAddr {
		_, err := fmt.Fprintln(stdout, issuer.Address().Hex())
		return err
	}
	if *subject == "" {
		return fmt.Errorf("-subject is required")
	}

	token, err := issuer.Issue(*subject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
