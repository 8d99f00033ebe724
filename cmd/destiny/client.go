package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// Import commands
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Submit and inspect import batches",
}

var importSubmitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Submit a JSONL file as an import batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		recordID, _ := cmd.Flags().GetString("record")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		q := url.Values{"collision_strategy": {strategy}}
		if recordID != "" {
			q.Set("record_id", recordID)
		}
		body, err := apiDo(cmd, http.MethodPost, "/import-batches/?"+q.Encode(), data)
		if err != nil {
			return err
		}

		var batch struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &batch); err != nil {
			return err
		}
		fmt.Printf("Submitted batch %s (%s)\n", batch.ID, batch.Status)
		return nil
	},
}

var importStatusCmd = &cobra.Command{
	Use:   "status BATCH_ID",
	Short: "Show an import batch and its per-line results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiDo(cmd, http.MethodGet, "/import-batches/"+args[0]+"/", nil)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

func init() {
	importCmd.AddCommand(importSubmitCmd)
	importCmd.AddCommand(importStatusCmd)

	importSubmitCmd.Flags().String("strategy", "fail", "Collision strategy: fail, overwrite, merge_defensive, merge_aggressive, discard")
	importSubmitCmd.Flags().String("record", "", "Existing import record to attach the batch to")
}

// Robot commands
var robotCmd = &cobra.Command{
	Use:   "robot",
	Short: "Manage enhancement robots",
}

var robotRegisterCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Register a robot and print its client secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("base-url")
		owner, _ := cmd.Flags().GetString("owner")

		payload, err := json.Marshal(map[string]string{
			"name":     args[0],
			"base_url": baseURL,
			"owner":    owner,
		})
		if err != nil {
			return err
		}
		body, err := apiDo(cmd, http.MethodPost, "/robots/", payload)
		if err != nil {
			return err
		}

		var out struct {
			Robot struct {
				ID string `json:"id"`
			} `json:"robot"`
			ClientSecret string `json:"client_secret"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return err
		}
		fmt.Printf("Registered robot %s\n", out.Robot.ID)
		fmt.Printf("Client secret (shown once): %s\n", out.ClientSecret)
		return nil
	},
}

var robotRotateCmd = &cobra.Command{
	Use:   "rotate ROBOT_ID",
	Short: "Rotate a robot's client secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiDo(cmd, http.MethodPost, "/robots/"+args[0]+"/secret/", nil)
		if err != nil {
			return err
		}
		var out struct {
			ClientSecret string `json:"client_secret"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return err
		}
		fmt.Printf("New client secret (shown once): %s\n", out.ClientSecret)
		return nil
	},
}

var robotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered robots",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiDo(cmd, http.MethodGet, "/robots/", nil)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

var robotAutomationCmd = &cobra.Command{
	Use:   "automate ROBOT_ID QUERY_FILE",
	Short: "Register a stored percolator query for a robot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]json.RawMessage{"query": query})
		if err != nil {
			return err
		}
		body, err := apiDo(cmd, http.MethodPost, "/robots/"+args[0]+"/automations/", payload)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

func init() {
	robotCmd.AddCommand(robotRegisterCmd)
	robotCmd.AddCommand(robotRotateCmd)
	robotCmd.AddCommand(robotListCmd)
	robotCmd.AddCommand(robotAutomationCmd)

	robotRegisterCmd.Flags().String("base-url", "", "Robot callback base URL")
	robotRegisterCmd.Flags().String("owner", "", "Owning team or person")
}

// Reference commands
var referenceCmd = &cobra.Command{
	Use:   "reference",
	Short: "Inspect references and their deduplicated projections",
}

var referenceShowCmd = &cobra.Command{
	Use:   "show REFERENCE_ID",
	Short: "Show a reference with its identifiers and enhancements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiDo(cmd, http.MethodGet, "/references/"+args[0]+"/", nil)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

var referenceDecisionCmd = &cobra.Command{
	Use:   "decision REFERENCE_ID",
	Short: "Show the duplicate decision history of a reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiDo(cmd, http.MethodGet, "/references/"+args[0]+"/duplicate-decision/", nil)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

var referenceProjectionCmd = &cobra.Command{
	Use:   "projection REFERENCE_ID",
	Short: "Show the deduplicated projection of a canonical reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiDo(cmd, http.MethodGet, "/projections/"+args[0]+"/", nil)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

func init() {
	referenceCmd.AddCommand(referenceShowCmd)
	referenceCmd.AddCommand(referenceDecisionCmd)
	referenceCmd.AddCommand(referenceProjectionCmd)
}

// apiDo issues one request against the node named by --addr and returns the
// response body, turning non-2xx answers into errors.
func apiDo(cmd *cobra.Command, method, path string, body []byte) ([]byte, error) {
	addr, _ := cmd.Flags().GetString("addr")

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, addr+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(out, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return out, nil
}

func printJSON(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
