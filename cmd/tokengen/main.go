// Command tokengen issues operator or device credentials signed with JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/auth"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	kind := flag.String("kind", "access", "Credential kind: access or device")
	user := flag.String("user", "operator", "User id of an access credential")
	role := flag.String("role", "superadmin", "Role of an access credential")
	client := flag.Int64("client", 1, "Client id the credential is scoped to")
	device := flag.String("device", "", "Device id of a device credential")
	meter := flag.String("meter", "", "Meter code of a device credential")
	ttl := flag.Duration("ttl", 0, "Override the kind's default lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is required but not set in environment variables")
		os.Exit(1)
	}
	issuer := os.Getenv("JWT_ISSUER")
	if issuer == "" {
		issuer = "water-meter-control-plane"
	}

	signer := auth.NewSigner(secret, issuer, map[auth.Kind]time.Duration{auth.Kind(*kind): *ttl})

	var (
		token   string
		expires time.Time
		err     error
	)
	switch auth.Kind(*kind) {
	case auth.KindAccess:
		token, expires, err = signer.IssueAccess(*user, *role, *client)
	case auth.KindDevice:
		if *device == "" || *meter == "" {
			fmt.Fprintln(os.Stderr, "-device and -meter are required for device credentials")
			os.Exit(2)
		}
		token, expires, err = signer.IssueDevice(*device, *meter, *client)
	default:
		fmt.Fprintf(os.Stderr, "unknown kind %q\n", *kind)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", expires.Format(time.RFC3339))
}
