package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vizcache-gateway/internal/cache"
	"vizcache-gateway/internal/vision"
)

func newFingerprintCmd() *cobra.Command {
	var prompt string

	cmd := &cobra.Command{
		Use:   "fingerprint <image>",
		Short: "Print the exact cache key and perceptual fingerprint of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			fp, err := cache.DeriveFingerprint(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "exact_key:   %s\n", cache.DeriveExactKey(prompt, data))
			fmt.Fprintf(out, "fingerprint: %s\n", fp)
			return nil
		},
	}

	cmd.Flags().StringVar(&prompt, "prompt", vision.DefaultPrompt, "prompt text mixed into the exact key")
	return cmd
}

func newDistanceCmd() *cobra.Command {
	var threshold int

	cmd := &cobra.Command{
		Use:   "distance <image-a> <image-b>",
		Short: "Print the Hamming distance between two images' fingerprints",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fps := make([]string, 2)
			for i, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if fps[i], err = cache.DeriveFingerprint(data); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}

			d, err := cache.HammingDistance(fps[0], fps[1])
			if err != nil {
				return err
			}

			verdict := "different"
			if d <= threshold {
				verdict = "near-duplicate"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d/%d bits (%s at threshold %d)\n", d, cache.FingerprintBits, verdict, threshold)
			return nil
		},
	}

	cmd.Flags().IntVar(&threshold, "threshold", cache.DefaultNearThreshold, "near-duplicate Hamming threshold")
	return cmd
}
