// Command council-cli drives the council API from the terminal: submit
// queries, follow live streams and inspect deliberation transcripts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/pkg/sdk"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	client := sdk.NewClient(sdk.Config{
		BaseURL:     envOr("COUNCIL_API_URL", "http://localhost:8080"),
		APIKey:      os.Getenv("COUNCIL_API_KEY"),
		BearerToken: os.Getenv("COUNCIL_BEARER_TOKEN"),
	})

	switch os.Args[1] {
	case "ask":
		cmdAsk(client)
	case "submit":
		cmdSubmit(client)
	case "get":
		cmdGet(client)
	case "watch":
		cmdWatch(client)
	case "deliberation":
		cmdDeliberation(client)
	case "presets":
		cmdPresets(client)
	case "version":
		fmt.Printf("council-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Council CLI v` + version + `

Usage: council-cli <command> [flags]

Commands:
  ask           Submit a query and wait for the consensus decision
  submit        Submit a query and print its request id
  get           Print the current state of a request
  watch         Stream a request's events as they happen
  deliberation  Print the round-by-round transcript of a request
  presets       List the selectable council presets
  version       Print version
  help          Show this help

Environment:
  COUNCIL_API_URL       API endpoint (default: http://localhost:8080)
  COUNCIL_API_KEY       ApiKey credential
  COUNCIL_BEARER_TOKEN  JWT credential (takes precedence)

Examples:
  council-cli ask -q "Should we shard the orders table?" --preset thorough
  council-cli submit -q "Summarize RFC 9110" --key nightly-summary
  council-cli watch req-4f1c...
  council-cli deliberation req-4f1c...`)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseSubmitFlags walks the submit/ask flag set by hand. Flag order is
// free; values follow their flag.
func parseSubmitFlags(args []string) (req sdk.SubmitRequest, key string, asJSON bool) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--query", "-q":
			i++
			if i < len(args) {
				req.Query = args[i]
			}
		case "--preset", "-p":
			i++
			if i < len(args) {
				req.Preset = args[i]
			}
		case "--session", "-s":
			i++
			if i < len(args) {
				req.SessionID = args[i]
			}
		case "--key", "-k":
			i++
			if i < len(args) {
				key = args[i]
			}
		case "--json":
			asJSON = true
		}
	}
	return req, key, asJSON
}

func submitOpts(key string) []sdk.SubmitOption {
	if key == "" {
		return nil
	}
	return []sdk.SubmitOption{sdk.WithIdempotencyKey(key)}
}

func cmdAsk(client *sdk.Client) {
	req, key, asJSON := parseSubmitFlags(os.Args[2:])
	if req.Query == "" {
		fmt.Fprintln(os.Stderr, "Error: --query is required")
		os.Exit(1)
	}

	start := time.Now()
	accepted, err := client.Submit(context.Background(), req, submitOpts(key)...)
	if err != nil {
		fail(err)
	}

	result := accepted
	if !result.Terminal() {
		fmt.Fprintf(os.Stderr, "⏳ submitted %s, waiting...\n", accepted.RequestID)
		result, err = client.Await(context.Background(), accepted.RequestID)
		if err != nil {
			fail(err)
		}
	}

	if asJSON {
		printJSON(result)
		return
	}
	printResult(result, time.Since(start))
}

func cmdSubmit(client *sdk.Client) {
	req, key, asJSON := parseSubmitFlags(os.Args[2:])
	if req.Query == "" {
		fmt.Fprintln(os.Stderr, "Error: --query is required")
		os.Exit(1)
	}

	accepted, err := client.Submit(context.Background(), req, submitOpts(key)...)
	if err != nil {
		fail(err)
	}

	if asJSON {
		printJSON(accepted)
		return
	}
	cached := ""
	if accepted.FromCache {
		cached = " (from cache)"
	}
	fmt.Printf("%s %s%s\n", accepted.RequestID, accepted.Status, cached)
}

func cmdGet(client *sdk.Client) {
	id, asJSON := idArg("get")

	result, err := client.Get(context.Background(), id)
	if err != nil {
		fail(err)
	}

	if asJSON {
		printJSON(result)
		return
	}
	printResult(result, 0)
}

func cmdWatch(client *sdk.Client) {
	id, _ := idArg("watch")

	err := client.Stream(context.Background(), id, func(e sdk.StreamEvent) error {
		payload := string(e.Data)
		switch e.Name {
		case "error":
			fmt.Printf("⛔ %s\n", payload)
		case "done":
			fmt.Printf("✅ %s\n", payload)
		default:
			fmt.Printf("[%s] %s\n", e.Name, payload)
		}
		return nil
	})
	if err != nil {
		fail(err)
	}
}

func cmdDeliberation(client *sdk.Client) {
	id, asJSON := idArg("deliberation")

	thread, err := client.Deliberation(context.Background(), id)
	if err != nil {
		fail(err)
	}

	if asJSON {
		printJSON(thread)
		return
	}
	fmt.Printf("Deliberation for %s (%d rounds)\n", thread.RequestID, len(thread.Rounds))
	for _, round := range thread.Rounds {
		marker := ""
		if round.ConsensusReached {
			marker = " (consensus reached)"
		}
		fmt.Printf("\n── Round %d%s\n", round.Number, marker)
		for _, ex := range round.Exchanges {
			fmt.Printf("  %s:\n    %s\n", ex.MemberID, indent(ex.Content, "    "))
		}
	}
}

func cmdPresets(client *sdk.Client) {
	presets, err := client.Presets(context.Background())
	if err != nil {
		fail(err)
	}
	for _, p := range presets {
		members := "all members"
		if len(p.MemberIDs) > 0 {
			members = strings.Join(p.MemberIDs, ", ")
		}
		fmt.Printf("%-12s %s\n             rounds=%d members=%s\n", p.Name, p.Description, p.Rounds, members)
	}
}

func idArg(cmd string) (id string, asJSON bool) {
	args := os.Args[2:]
	for _, a := range args {
		if a == "--json" {
			asJSON = true
			continue
		}
		if !strings.HasPrefix(a, "-") && id == "" {
			id = a
		}
	}
	if id == "" {
		fmt.Fprintf(os.Stderr, "Usage: council-cli %s <request-id>\n", cmd)
		os.Exit(1)
	}
	return id, asJSON
}

func printResult(r *sdk.Result, elapsed time.Duration) {
	switch r.Status {
	case sdk.StatusCompleted:
		d := r.ConsensusDecision
		took := ""
		if elapsed > 0 {
			took = fmt.Sprintf(" in %.1fs", elapsed.Seconds())
		}
		fmt.Printf("✅ completed%s | confidence=%s | agreement=%.2f | strategy=%s\n\n%s\n",
			took, d.Confidence, d.AgreementLevel, d.SynthesisStrategy, d.Content)
		if len(d.ContributingMemberIDs) > 0 {
			fmt.Printf("\n  contributors: %s\n", strings.Join(d.ContributingMemberIDs, ", "))
		}
	case sdk.StatusFailed:
		fmt.Printf("⛔ failed | %s: %s\n", r.Error.Code, r.Error.Message)
	default:
		fmt.Printf("⏳ %s | %s\n", r.Status, r.RequestID)
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(out))
}

func indent(s, prefix string) string {
	return strings.ReplaceAll(s, "\n", "\n"+prefix)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	os.Exit(1)
}
