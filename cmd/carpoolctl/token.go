package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/carpool/internal/token"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint or inspect email action tokens",
	}
	cmd.PersistentFlags().String("secret", "", "signing secret (default $TOKEN_SECRET)")
	cmd.AddCommand(tokenMintCmd(), tokenVerifyCmd())
	return cmd
}

func signerFrom(cmd *cobra.Command) (*token.Signer, error) {
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		secret = os.Getenv("TOKEN_SECRET")
	}
	if secret == "" {
		return nil, errors.New("no secret: pass --secret or set TOKEN_SECRET")
	}
	return token.NewSigner(secret), nil
}

func tokenMintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint <action> <resource-id> <email>",
		Short: "Mint a token granting action on a reservation or offer",
		Long: `Mint a token granting action on a reservation or offer.

Actions: accept, refuse, cancel_passenger, remove_passenger, cancel_offer,
view_itinerary.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := signerFrom(cmd)
			if err != nil {
				return err
			}
			action := token.Action(args[0])
			if !action.Valid() {
				return fmt.Errorf("unknown action %q", args[0])
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			tok, err := signer.MintAt(action, args[1], args[2], ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 0, "token lifetime (default 7 days, 30 for view_itinerary)")
	return cmd
}

func tokenVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Check a token's signature and expiry and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := signerFrom(cmd)
			if err != nil {
				return err
			}
			claims, err := signer.VerifyAt(args[0], time.Now())
			if err != nil {
				return fmt.Errorf("token rejected: %s", token.Reason(err))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				token.Claims
				ExpiresAt time.Time `json:"expires_at"`
			}{claims, claims.ExpiresAt().UTC()})
		},
	}
}
