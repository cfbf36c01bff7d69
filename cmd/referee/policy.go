package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/meshmind/referee/pkg/policy"
)

// runPolicyCmd validates a policy file and prints its compiled version and
// hash. Exit code 0 means the file would be accepted by a running server.
func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var file string
	cmd.StringVar(&file, "file", "", "Path to the policy YAML (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		cmd.Usage()
		return 2
	}

	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading policy: %v\n", err)
		return 2
	}

	snap, err := policy.Parse(data)
	if err != nil {
		fmt.Fprintf(stderr, "Policy invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "policy ok: version=%s hash=%s\n", snap.Version(), snap.Hash())
	return 0
}
