// Command gophpfpm-smoketest dials a running gophpfpm-responder and
// prints back one request's response, the way an operator would check
// a freshly deployed responder is actually answering.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"gophpfpm/internal/fcgiclient"
)

func main() {
	network := flag.String("network", "tcp", `connection network: "tcp" or "unix"`)
	address := flag.String("address", "127.0.0.1:9000", "responder address to dial")
	scriptName := flag.String("script", "/index.php", "SCRIPT_NAME to send")
	flag.Parse()

	logger := log.New()
	logger.SetLevel(log.WarnLevel)

	client, err := fcgiclient.New(*network, *address, 1, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smoketest: %s\n", err)
		os.Exit(1)
	}
	defer client.Close()

	req := client.NewRequest(map[string]string{
		"REQUEST_METHOD": "GET",
		"SCRIPT_NAME":    *scriptName,
		"SERVER_SOFTWARE": "gophpfpm-smoketest/1.0",
	}, nil)

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smoketest: %s\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smoketest: could not read response body: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("status: %s\n", resp.Status)
	fmt.Printf("%s\n", body)
}
