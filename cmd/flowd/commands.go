package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func (c *cli) client() (*apiClient, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg.BaseURL, c.actor), nil
}

func (c *cli) newPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <file>",
		Short: "Publish a definition file (YAML or JSON) as its next version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ct := "application/json"
			switch strings.ToLower(filepath.Ext(args[0])) {
			case ".yaml", ".yml":
				ct = "application/yaml"
			}
			api, err := c.client()
			if err != nil {
				return err
			}
			out, err := api.do(cmd.Context(), http.MethodPost, "/api/v1/definitions", ct, data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func (c *cli) newStartCmd() *cobra.Command {
	var (
		version int
		payload string
	)
	cmd := &cobra.Command{
		Use:   "start <definition-id>",
		Short: "Start an instance of a published definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"definition_id": args[0]}
			if version > 0 {
				body["version"] = version
			}
			if payload != "" {
				var p map[string]any
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
				body["payload"] = p
			}
			api, err := c.client()
			if err != nil {
				return err
			}
			out, err := api.postJSON(cmd.Context(), "/api/v1/instances", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "definition version to pin (default latest)")
	cmd.Flags().StringVar(&payload, "payload", "", "trigger payload as a JSON object")
	return cmd
}

func (c *cli) newDecideCmd() *cobra.Command {
	var (
		approve bool
		reject  bool
		notes   string
	)
	cmd := &cobra.Command{
		Use:   "decide <instance-id> <step-id>",
		Short: "Approve or reject a pending approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			api, err := c.client()
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/api/v1/instances/%s/approvals/%s", url.PathEscape(args[0]), url.PathEscape(args[1]))
			out, err := api.postJSON(cmd.Context(), path, map[string]any{
				"approved": approve,
				"by":       c.actor,
				"notes":    notes,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the step")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the step")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject")
	return cmd
}

func (c *cli) newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a running or paused instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			out, err := api.postJSON(cmd.Context(),
				"/api/v1/instances/"+url.PathEscape(args[0])+"/cancel",
				map[string]any{"actor": c.actor})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show an instance with its step records, waits and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			out, err := api.do(cmd.Context(), http.MethodGet, "/api/v1/instances/"+url.PathEscape(args[0]), "", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}
