// Command vapidgen prints a fresh VAPID key pair in the form the gateway
// reads from VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/lumatch/pushgate/internal/vapid"
)

func main() {
	publicKey, privateKey, err := vapid.GenerateKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
}
