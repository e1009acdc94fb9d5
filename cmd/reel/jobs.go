package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/reel/internal/domain"
)

func newSubmitCmd(cf *clientFlags) *cobra.Command {
	var (
		owner       string
		priority    string
		maxAttempts int
		metadata    []string
	)
	cmd := &cobra.Command{
		Use:   "submit <source-ref>",
		Short: "Queue a source asset for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.ParsePriority(priority)
			if err != nil {
				return err
			}
			meta := make(map[string]string, len(metadata))
			for _, kv := range metadata {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid --meta %q, want key=value", kv)
				}
				meta[k] = v
			}

			c, err := cf.client()
			if err != nil {
				return err
			}
			id, err := c.Submit(cmd.Context(), domain.Submission{
				SourceAssetRef: args[0],
				OwnerID:        owner,
				Metadata:       meta,
				Priority:       p,
				MaxAttempts:    maxAttempts,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	cmd.Flags().StringVar(&owner, "owner", envOr("USER", "cli"), "owner id recorded on the job")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityNormal), "high, normal or low")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (server default when 0)")
	cmd.Flags().StringArrayVar(&metadata, "meta", nil, "metadata key=value, repeatable")
	return cmd
}

func newStatusCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's state and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.client()
			if err != nil {
				return err
			}
			view, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newCancelCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.client()
			if err != nil {
				return err
			}
			view, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", view.ID, view.State)
			return err
		},
	}
}
