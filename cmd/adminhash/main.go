// Command adminhash prints a bcrypt hash for ADMIN_PASSWORD_HASH.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"estatechat/internal/auth"
)

func main() {
	var password string
	switch len(os.Args) {
	case 1:
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Println("Usage: adminhash <password> (or pass the password on stdin)")
			os.Exit(1)
		}
		password = strings.TrimRight(line, "\r\n")
	case 2:
		password = os.Args[1]
	default:
		fmt.Println("Usage: adminhash <password>")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Printf("Error hashing password: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}
