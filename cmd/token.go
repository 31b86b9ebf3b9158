package cmd

import (
	"fmt"
	"log"
	"time"

	"Px1LED/config"
	"Px1LED/token"

	"github.com/spf13/cobra"
)

var (
	tokenVerify string
	tokenAt     int64
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue or verify upload tokens",
	Long:  `Issue a rotating upload token against the configured secret, or verify one with --verify. The same derivation runs on the device, so a token issued here is accepted there within the TTL.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		if cfg.TokenSecret == "" {
			log.Fatal("no TOKEN_SECRET configured; tokens are disabled")
		}
		auth := token.New(cfg.TokenSecret, cfg.TokenTTL, cfg.TokenDigest)

		now := tokenAt
		if now == 0 {
			now = time.Now().Unix()
		}

		if tokenVerify != "" {
			if auth.Verify(tokenVerify, now) {
				fmt.Println("valid")
				return
			}
			fmt.Println("invalid or expired")
			return
		}

		fmt.Println(auth.Issue(now))
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenVerify, "verify", "", "verify the given token instead of issuing one")
	tokenCmd.Flags().Int64Var(&tokenAt, "at", 0, "unix timestamp to issue or verify against (default now)")
	rootCmd.AddCommand(tokenCmd)
}
