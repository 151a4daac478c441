package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/phil-mansfield/przm/lib/compress"
)

var packCmd = &cobra.Command{
	Use:   "pack files...",
	Short: "Compress finished checkpoint files with zstd",
	Long: `
pack compresses each checkpoint file into <file>.zst. Each dataset is byte
shuffled before compression, and unpack restores the original file byte for
byte. Checkpoints which were never finished can't be packed.
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetInt("level")
		remove, _ := cmd.Flags().GetBool("remove")

		buf := compress.NewBuffer()
		for _, in := range args {
			out := compress.PackedName(in)
			stats, err := compress.PackFile(in, out, level, buf)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s (%.2fx)\n", out,
				humanize.IBytes(uint64(stats.RawBytes)),
				humanize.IBytes(uint64(stats.PackedBytes)), stats.Ratio())
			if remove {
				if err := os.Remove(in); err != nil {
					return err
				}
			}
		}
		return nil
	},
}

var unpackCmd = &cobra.Command{
	Use:   "unpack files.zst...",
	Short: "Restore checkpoint files compressed by pack",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		buf := compress.NewBuffer()
		for _, in := range args {
			out, err := compress.UnpackedName(in)
			if err != nil {
				return err
			}
			if err := compress.UnpackFile(in, out, buf); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)
		}
		return nil
	},
}

func init() {
	packCmd.Flags().Int("level", compress.DefaultLevel, "zstd compression level.")
	packCmd.Flags().Bool("remove", false, "Remove each file after packing it.")
	rootCmd.AddCommand(packCmd, unpackCmd)
}
