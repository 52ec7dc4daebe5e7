package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dsagent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dsagent version %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a local dsagent server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/health")
		if err != nil {
			printError("Server not reachable at %s", client.baseURL)
			return err
		}
		var health map[string]string
		if err := decodeJSON(resp, &health); err != nil {
			return err
		}
		printSuccess("Server running at %s", client.baseURL)
		printStatus("status", "%s", health["status"])
		return nil
	},
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect participant profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show <uri>",
	Short: "Show a participant profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/profiles/" + args[0])
		if err != nil {
			return err
		}
		var p map[string]any
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return printJSON(p)
	},
}

var profileRecommendationsCmd = &cobra.Command{
	Use:   "recommendations <uri>",
	Short: "Show a profile's recommendation accumulators",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/profiles/" + args[0] + "/recommendations")
		if err != nil {
			return err
		}
		var recs []map[string]any
		if err := decodeJSON(resp, &recs); err != nil {
			return err
		}
		return printJSON(recs)
	},
}

var profileMatchingsCmd = &cobra.Command{
	Use:   "matchings <uri>",
	Short: "Show a profile's matching accumulators",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/profiles/" + args[0] + "/matchings")
		if err != nil {
			return err
		}
		var matchings []map[string]any
		if err := decodeJSON(resp, &matchings); err != nil {
			return err
		}
		return printJSON(matchings)
	},
}

func init() {
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileRecommendationsCmd)
	profileCmd.AddCommand(profileMatchingsCmd)
}

// --- negotiate ---

var negotiateCmd = &cobra.Command{
	Use:   "negotiate <uri> <contract.json>",
	Short: "Negotiate a contract file against a participant profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading contract: %w", err)
		}
		var contract map[string]any
		if err := json.Unmarshal(raw, &contract); err != nil {
			return fmt.Errorf("parsing contract: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/profiles/"+args[0]+"/negotiation/contract", contract)
		if err != nil {
			return err
		}
		var outcome map[string]any
		if err := decodeJSON(resp, &outcome); err != nil {
			return err
		}

		if outcome["canAccept"] == true {
			printSuccess("Contract acceptable for %s", args[0])
		} else {
			printError("Contract rejected: %v", outcome["reason"])
		}
		return printJSON(outcome)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
