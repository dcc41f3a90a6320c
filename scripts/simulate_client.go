package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/pkg/sdk"
)

func main() {
	baseURL := os.Getenv("COUNCIL_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client := sdk.NewClient(sdk.Config{
		BaseURL: baseURL,
		APIKey:  os.Getenv("COUNCIL_API_KEY"),
	})

	fmt.Println("🤖 Client Starting: Council Simulation")
	fmt.Printf("📡 Connecting to %s...\n", baseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	query := "Should we shard the orders table now or wait for the next traffic doubling?"
	fmt.Printf("\n🤔 Query Formed: %q\n", query)
	fmt.Println("⏳ Submitting to the council...")

	accepted, err := client.Submit(ctx, sdk.SubmitRequest{Query: query, Preset: "balanced"})
	if err != nil {
		log.Fatalf("❌ Submission rejected: %v", err)
	}
	fmt.Printf("🎟️  Request accepted: %s\n", accepted.RequestID)

	result, err := client.Await(ctx, accepted.RequestID)
	if err != nil {
		log.Fatalf("❌ Await failed: %v", err)
	}
	if result.Status != sdk.StatusCompleted {
		log.Fatalf("❌ Council could not settle: %+v", result.Error)
	}

	decision := result.ConsensusDecision
	fmt.Printf("\n✅ CONSENSUS REACHED (confidence: %s, agreement: %.2f)\n",
		decision.Confidence, decision.AgreementLevel)
	fmt.Printf("Strategy: %s\n", decision.SynthesisStrategy)
	fmt.Printf("Contributors: %v\n\n", decision.ContributingMemberIDs)
	fmt.Println(decision.Content)

	thread, err := client.Deliberation(ctx, accepted.RequestID)
	if err != nil {
		fmt.Printf("\n(no deliberation thread retained: %v)\n", err)
		return
	}
	fmt.Printf("\n🗣️  Deliberation: %d round(s)\n", len(thread.Rounds))
	for _, round := range thread.Rounds {
		fmt.Printf("  Round %d: %d exchange(s)\n", round.Number, len(round.Exchanges))
	}
}
