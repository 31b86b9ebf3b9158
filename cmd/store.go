package cmd

import (
	"fmt"
	"log"

	"Px1LED/config"
	"Px1LED/diag"
	"Px1LED/store"

	"github.com/spf13/cobra"
)

var (
	storeDelete string
	storeDigest string
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect the pattern storage namespace",
	Long:  `List stored patterns and chunks, compute a blob's content digest, or delete a blob. Operates on the same namespace the server uses; run it only while the server is stopped.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		dlog := diag.NewLog(cfg.ErrorLogCapacity, nil)

		s, err := store.New(store.Options{
			Dir:            cfg.StorageDir,
			FlashCapacity:  cfg.FlashCapacity,
			SafetyMargin:   cfg.SafetyMargin,
			SingleCeiling:  cfg.SingleCeiling,
			ChunkedCeiling: cfg.ChunkedCeiling,
			DigestName:     cfg.ContentDigest,
		}, dlog)
		if err != nil {
			log.Fatalf("open storage: %v", err)
		}

		if storeDelete != "" {
			if !s.Delete(storeDelete) {
				log.Fatalf("no such blob %s", storeDelete)
			}
			fmt.Printf("deleted %s\n", storeDelete)
			return
		}

		if storeDigest != "" {
			digest, err := s.ContentDigest(storeDigest)
			if err != nil {
				log.Fatalf("digest %s: %v", storeDigest, err)
			}
			fmt.Printf("%s  %s\n", digest, storeDigest)
			return
		}

		fs := s.FSInfo()
		fmt.Printf("namespace: %s\n", s.Dir())
		fmt.Printf("capacity:  %d bytes (%d used, %d free)\n", fs.Capacity, fs.Used, fs.Free)
		for _, blob := range s.List() {
			fmt.Printf("  %8d  %s\n", blob.Size, blob.Name)
		}
	},
}

func init() {
	storeCmd.Flags().StringVar(&storeDelete, "delete", "", "delete the named blob")
	storeCmd.Flags().StringVar(&storeDigest, "digest", "", "print the content digest of the named blob")
	rootCmd.AddCommand(storeCmd)
}
