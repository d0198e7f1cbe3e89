// The relay terminal client: a thin interactive wrapper around the wire
// protocol. It performs the plain-text handshake, then encodes outgoing
// lines and decodes incoming ones with the shared shift.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/linewire/relay/internal/cipher"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:1234", "server address")
	shift := flag.Int("shift", 3, "shared Caesar shift")
	flag.Parse()

	stdin := bufio.NewReader(os.Stdin)

	action, err := promptLine(stdin, "Type 'register' to register or 'login' to login: ")
	if err != nil {
		log.Fatalf("Reading action: %v", err)
	}
	username, err := promptLine(stdin, "Enter username: ")
	if err != nil {
		log.Fatalf("Reading username: %v", err)
	}
	password, err := promptPassword(stdin)
	if err != nil {
		log.Fatalf("Reading password: %v", err)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("Connecting to %s: %v", *addr, err)
	}
	defer conn.Close()
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	// The handshake travels unencoded; the server needs it to authenticate.
	if _, err := fmt.Fprintf(conn, "%s\n%s\n%s\n", action, username, password); err != nil {
		log.Fatalf("Sending handshake: %v", err)
	}

	serverReader := bufio.NewReader(conn)
	response, err := serverReader.ReadString('\n')
	if err != nil {
		log.Fatalf("Server closed the connection during the handshake: %v", err)
	}
	response = strings.TrimRight(response, "\r\n")
	fmt.Println("Server response:", response)

	if !handshakeAccepted(response) {
		return
	}

	go readMessages(serverReader, *shift)
	writeMessages(stdin, conn, username, *shift)
}

func handshakeAccepted(response string) bool {
	return strings.HasPrefix(response, "Welcome") || response == "Registration successful."
}

// readMessages prints every incoming broadcast after decoding it. It exits
// the process when the server connection drops, since the writer is usually
// blocked on stdin at that point.
func readMessages(reader *bufio.Reader, shift int) {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println("Disconnected from server.")
			os.Exit(0)
		}
		fmt.Println(cipher.Decode(strings.TrimRight(line, "\r\n"), shift))
	}
}

// writeMessages reads stdin lines, prefixes them with the username, encodes
// them, and sends them. Typing "logout" sends the encoded logout line and
// returns.
func writeMessages(stdin *bufio.Reader, conn net.Conn, username string, shift int) {
	for {
		line, err := stdin.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				log.Printf("Reading input: %v", err)
			}
			return
		}

		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}

		if text == "logout" {
			_, _ = fmt.Fprintf(conn, "%s\n", cipher.Encode("logout", shift))
			return
		}

		encoded := cipher.Encode(fmt.Sprintf("%s: %s", username, text), shift)
		if _, err := fmt.Fprintf(conn, "%s\n", encoded); err != nil {
			log.Printf("Sending message: %v", err)
			return
		}
	}
}

func promptLine(reader *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptPassword reads the password without echo when stdin is a terminal,
// and falls back to a plain line read when input is piped.
func promptPassword(reader *bufio.Reader) (string, error) {
	fmt.Print("Enter password: ")

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		password, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	line, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
