package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Trigger the scheduled passes on a running server",
	}
	cmd.PersistentFlags().String("base-url", "", "server base URL (default $BASE_URL)")
	cmd.PersistentFlags().String("cron-key", "", "value of X-Cron-Key (default $CRON_KEY)")
	cmd.PersistentFlags().Duration("timeout", 2*time.Minute, "request timeout")
	cmd.AddCommand(
		cronPassCmd("expire", "Expire stale requests and past-date offers", "/cron/expire"),
		cronPassCmd("reminders", "Email tomorrow's itineraries", "/cron/reminders"),
	)
	return cmd
}

func cronPassCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base := flagOrEnv(cmd, "base-url", "BASE_URL")
			if base == "" {
				return fmt.Errorf("no server: pass --base-url or set BASE_URL")
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			body, err := triggerPass(ctx, http.DefaultClient, strings.TrimRight(base, "/")+path, flagOrEnv(cmd, "cron-key", "CRON_KEY"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(body))
			return nil
		},
	}
}

func flagOrEnv(cmd *cobra.Command, flag, env string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	return os.Getenv(env)
}

func triggerPass(ctx context.Context, client *http.Client, url, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	if key != "" {
		req.Header.Set("X-Cron-Key", key)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("POST %s: read body: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("POST %s: %s: %s", url, resp.Status, strings.TrimSpace(string(b)))
	}
	return string(b), nil
}
