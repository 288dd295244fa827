package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tokend/internal/app"
	"tokend/internal/config"
	"tokend/internal/domain/models"
	"tokend/internal/lib/audit"
	"tokend/internal/storage"
)

var getCmd = &cobra.Command{
	Use:   "get <token-id>",
	Short: "Show a refresh token record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, _ *config.Config, store app.Store) error {
			rec, err := store.Get(ctx, args[0])
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("refresh token %q not found", args[0])
				}
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), recordView(rec))
			}
			return printRecord(cmd.OutOrStdout(), rec)
		})
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <token-id>",
	Short: "Revoke the refresh token chain a record belongs to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, _ *config.Config, store app.Store) error {
			now := time.Now()
			if err := store.Revoke(ctx, args[0], now); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("refresh token %q not found", args[0])
				}
				return err
			}

			event := audit.Event{
				Timestamp: now,
				Type:      audit.EventChainRevoked,
				TokenID:   args[0],
				Metadata:  map[string]string{"reason": "operator"},
			}
			if rec, err := store.Get(ctx, args[0]); err == nil {
				event.Subject = rec.Subject
				event.FamilyID = rec.FamilyID
			}
			auditSink.Emit(ctx, event)

			fmt.Fprintf(cmd.OutOrStdout(), "Revoked chain of refresh token: %s\n", args[0])
			return nil
		})
	},
}

var gcRetention time.Duration

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete refresh token records past their retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, store app.Store) error {
			retention := cfg.Tokens.Retention
			if cmd.Flags().Changed("retention") {
				retention = gcRetention
			}

			n, err := store.DeleteExpired(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]int64{"deleted": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired refresh token record(s)\n", n)
			return nil
		})
	},
}

func init() {
	gcCmd.Flags().DurationVar(&gcRetention, "retention", 0, "override tokens.retention from the config")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(gcCmd)
}

type recordJSON struct {
	ID            string     `json:"id"`
	FamilyID      string     `json:"family_id"`
	Subject       string     `json:"sub"`
	Scope         string     `json:"scope"`
	Status        string     `json:"status"`
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	PredecessorID string     `json:"predecessor_id,omitempty"`
	SuccessorID   string     `json:"successor_id,omitempty"`
	AccessTokenID string     `json:"access_token_id,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

func recordView(rec models.RefreshToken) recordJSON {
	return recordJSON{
		ID:            rec.ID,
		FamilyID:      rec.FamilyID,
		Subject:       rec.Subject,
		Scope:         strings.Join(rec.Scopes, " "),
		Status:        string(rec.Status),
		IssuedAt:      rec.IssuedAt.UTC(),
		ExpiresAt:     rec.ExpiresAt.UTC(),
		PredecessorID: rec.PredecessorID,
		SuccessorID:   rec.SuccessorID,
		AccessTokenID: rec.AccessTokenID,
		RevokedAt:     rec.RevokedAt,
	}
}

func printRecord(w io.Writer, rec models.RefreshToken) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	revoked := "-"
	if rec.RevokedAt != nil {
		revoked = rec.RevokedAt.UTC().Format(time.RFC3339)
	}

	fmt.Fprintf(tw, "ID:\t%s\n", rec.ID)
	fmt.Fprintf(tw, "Family:\t%s\n", rec.FamilyID)
	fmt.Fprintf(tw, "Subject:\t%s\n", rec.Subject)
	fmt.Fprintf(tw, "Scope:\t%s\n", strings.Join(rec.Scopes, " "))
	fmt.Fprintf(tw, "Status:\t%s\n", rec.Status)
	fmt.Fprintf(tw, "Issued:\t%s\n", rec.IssuedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "Expires:\t%s\n", rec.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "Predecessor:\t%s\n", orDash(rec.PredecessorID))
	fmt.Fprintf(tw, "Successor:\t%s\n", orDash(rec.SuccessorID))
	fmt.Fprintf(tw, "Revoked:\t%s\n", revoked)

	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
