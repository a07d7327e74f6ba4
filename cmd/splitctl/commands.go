package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsdash/splitmanager/internal/auth"
)

func (c *cli) uploadCmd() *cobra.Command {
	var splitColumn string
	var watch bool

	cmd := &cobra.Command{
		Use:   "upload [file.csv]",
		Short: "Upload a CSV file to be split by a column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.apiClient().Upload(cmd.Context(), args[0], splitColumn)
			if err != nil {
				return err
			}
			if !watch {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s as %s\n", out.Filename, out.FileID)
			return c.watch(cmd, out.FileID)
		},
	}
	cmd.Flags().StringVarP(&splitColumn, "column", "c", "", "column to split by")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow processing status after the upload")
	_ = cmd.MarkFlagRequired("column")
	c.pollFlags(cmd)
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [fileId]",
		Short: "Show the current processing status of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.apiClient().GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func (c *cli) resultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result [fileId]",
		Short: "Show the split groups with download URLs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.apiClient().GetResult(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List uploaded files, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.apiClient().List(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFILE\tSTATUS\tPROGRESS\tUPDATED")
			for _, f := range out.Files {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\n", f.FileID, f.Filename, f.Status, f.Progress, f.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func (c *cli) actionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [fileId]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := c.apiClient()
			call := api.Pause
			if action == "resume" {
				call = api.Resume
			}
			out, err := call(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func (c *cli) approveCmd() *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "approve [fileId]",
		Short: "Approve a reviewed split",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.apiClient().Approve(cmd.Context(), args[0], note)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "approval note")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [fileId]",
		Short: "Delete a file and all of its split outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.apiClient().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

// tokenCmd issues an HMAC token for local development
func (c *cli) tokenCmd() *cobra.Command {
	var secret, userID, email string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development token signed with the server's JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.IssueLegacyToken(secret, userID, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "JWT secret (JWT_SECRET on the server)")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
