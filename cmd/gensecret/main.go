// Command gensecret prints a random hex encoded signing key.
// The same value works as an ed25519 seed (EdDSA) or an HMAC secret (HS256)
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

const SecretKeyBytesLen = 32

func main() {
	kid := pflag.String("kid", "", "Print as kid:hex, the form of previous keys in config")
	pflag.Parse()

	b := make([]byte, SecretKeyBytesLen)

	_, err := rand.Read(b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error while generating secret key: %v\n", err)
		os.Exit(1)
	}

	if *kid != "" {
		fmt.Printf("%s:%s\n", *kid, hex.EncodeToString(b))
		return
	}
	fmt.Println(hex.EncodeToString(b))
}
