package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kabili207/phone-presence-server/pkg/auth"
)

func main() {
	secret := flag.String("secret", os.Getenv("ZOOM_WEBHOOK_SECRET_TOKEN"), "Webhook secret token")
	bodyFile := flag.String("body", "", "File holding the request body to sign")
	timestamp := flag.String("timestamp", "", "Request timestamp (default: now, in milliseconds)")
	plainToken := flag.String("token", "", "Compute the encryptedToken for an endpoint validation plainToken")
	brokerPassword := flag.Bool("broker-password", false, "Generate a password, salt and hash for an embedded broker user")
	length := flag.Int("length", 16, "Length of the generated password in bytes (will be hex encoded, so output is 2x this)")
	flag.Parse()

	if *brokerPassword {
		password, err := auth.RandomHex(*length)
		if err != nil {
			fmt.Printf("Error generating password: %v\n", err)
			os.Exit(1)
		}
		hash, salt, err := auth.GenerateHashAndSalt(password)
		if err != nil {
			fmt.Printf("Error hashing password: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Password: %s\n", password)
		fmt.Printf("Salt:     %s\n", salt)
		fmt.Printf("Hash:     %s\n", hash)
		return
	}

	if *secret == "" {
		fmt.Println("A secret is required (-secret or ZOOM_WEBHOOK_SECRET_TOKEN)")
		os.Exit(2)
	}

	if *plainToken != "" {
		fmt.Printf("plainToken:     %s\n", *plainToken)
		fmt.Printf("encryptedToken: %s\n", auth.EncryptToken(*secret, *plainToken))
		return
	}

	if *bodyFile == "" {
		fmt.Println("Either -token or -body is required")
		os.Exit(2)
	}
	body, err := os.ReadFile(*bodyFile)
	if err != nil {
		fmt.Printf("Error reading body: %v\n", err)
		os.Exit(1)
	}
	ts := *timestamp
	if ts == "" {
		ts = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}

	fmt.Printf("X-Zm-Request-Timestamp: %s\n", ts)
	fmt.Printf("X-Zm-Signature: %s\n", auth.Sign(*secret, ts, body))
}
