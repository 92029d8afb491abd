// Package main generates the completion webhook secret. The portal stores only
// the bcrypt hash (completion.webhook_secret_hash); the raw secret is given to
// the completion bot, which sends it in X-Completion-Secret.
//
//	hash            generate a new secret and print it with its hash
//	hash <secret>   print the hash of an existing secret
package main

import (
	"fmt"
	"os"

	"github.com/ddc-api/keyportal/internal/auth"
)

func main() {
	if len(os.Args) > 1 {
		hash, err := auth.HashSecret(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	secret, hash, err := auth.GenerateSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("secret: %s\n", secret)
	fmt.Printf("hash:   %s\n", hash)
}
