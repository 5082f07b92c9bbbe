// Command fedaccelctl is an operator CLI against a running fedacceld's HTTP
// status surface. Grounded on cmd/tools/main.go subcommand
// dispatch (os.Args[1] switch, one runX per subcommand, a printUsage
// fallback).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		if err := runStatus(os.Args[2:]); err != nil {
			log.Fatalf("status: %v", err)
		}
	case "refresh":
		if err := runRefresh(os.Args[2:]); err != nil {
			log.Fatalf("refresh: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: fedaccelctl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status   Print the registration status of one dataset")
	fmt.Println("  refresh  Trigger an out-of-band refresh of one dataset")
}

func runStatus(args []string) error {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	addr := flags.String("addr", "http://localhost:8080", "fedacceld base address")
	name := flags.String("name", "", "fully-qualified dataset name (catalog.schema.table)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	body, err := get(*addr + "/v1/datasets/status?name=" + url.QueryEscape(*name))
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func runRefresh(args []string) error {
	flags := flag.NewFlagSet("refresh", flag.ContinueOnError)
	addr := flags.String("addr", "http://localhost:8080", "fedacceld base address")
	name := flags.String("name", "", "fully-qualified dataset name (catalog.schema.table)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	resp, err := http.Post(*addr+"/v1/datasets/refresh?name="+url.QueryEscape(*name), "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("fedacceld returned %d: %s", resp.StatusCode, body)
	}
	fmt.Println("refresh triggered")
	return nil
}

func get(addr string) ([]byte, error) {
	resp, err := http.Get(addr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fedacceld returned %d: %s", resp.StatusCode, body)
	}
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		if b, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			return b, nil
		}
	}
	return body, nil
}
