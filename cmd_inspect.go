package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	read "github.com/phil-mansfield/przm/go"
	"github.com/phil-mansfield/przm/lib/format"
	"github.com/phil-mansfield/przm/lib/insitu"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [files...]",
	Short: "Print the header and datasets of checkpoint files",
	Long: `
inspect prints the header of each checkpoint file along with the size and
value statistics of every dataset. Files can be given directly, or generated
with a file format, e.g.

   przm inspect --files "{%s,run}.checkpoint/t{%04d,step}.d/r.out" \
       --run out/wave --steps "0..100 - 63"
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := inspectFiles(cmd, args)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return errors.New("no files to inspect")
		}

		noStats, _ := cmd.Flags().GetBool("no_stats")
		for _, fname := range files {
			if err := inspect(cmd.OutOrStdout(), fname, !noStats); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	flags := inspectCmd.Flags()
	flags.String("files", "", "File format of the checkpoints to inspect.")
	flags.String("run", "", "Run name substituted into {%s,run} variables.")
	flags.String("steps", "0", "Timesteps substituted into {%d,step} variables.")
	flags.Bool("no_stats", false, "Don't read datasets to compute statistics.")
	rootCmd.AddCommand(inspectCmd)
}

func inspectFiles(cmd *cobra.Command, args []string) ([]string, error) {
	files := append([]string{}, args...)

	ffs, _ := cmd.Flags().GetString("files")
	if ffs == "" {
		return files, nil
	}
	run, _ := cmd.Flags().GetString("run")
	seq, _ := cmd.Flags().GetString("steps")

	ff, err := format.ParseFileFormat(ffs)
	if err != nil {
		return nil, err
	}
	steps, err := format.ExpandSequenceFormat(seq)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid --steps '%s'", seq)
	}
	for _, step := range steps {
		files = append(files, ff.Expand(run, step)...)
	}
	return files, nil
}

// inspect writes a description of a single checkpoint file to w.
func inspect(w io.Writer, fname string, stats bool) error {
	info, err := os.Stat(fname)
	if err != nil {
		return err
	}
	f, err := read.Open(fname)
	if err != nil {
		return errors.Wrapf(err, "opening %s", fname)
	}
	defer f.Close()

	hd := f.Header()
	fmt.Fprintf(w, "%s (%s)\n", fname, humanize.IBytes(uint64(info.Size())))
	fmt.Fprintf(w, "  timestep:  %d\n", hd.Timestep)
	fmt.Fprintf(w, "  ranks:     %d\n", hd.NRanks)
	fmt.Fprintf(w, "  grid:      %t\n", hd.HasGrid)
	fmt.Fprintf(w, "  volume:    %t\n", hd.HasVolume)
	fmt.Fprintf(w, "  surface:   %t\n", hd.HasSurface)
	if hd.HasVariable {
		fmt.Fprintf(w, "  variable:  %s\n", hd.Variable)
	}

	fmt.Fprintf(w, "  datasets:\n")
	for _, ds := range f.Datasets() {
		size := uint64(ds.Len()) * 8
		if ds.Type == "f32" {
			size = uint64(ds.Len()) * 4
		}
		fmt.Fprintf(w, "    %-24s %s x%d, %s items, %s\n", ds.Name, ds.Type,
			ds.Width, humanize.Comma(int64(ds.Items)), humanize.IBytes(size))

		if !stats || ds.Type != "f32" || ds.Items == 0 {
			continue
		}
		x, err := f.ReadFloat32(ds.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "      %s\n", insitu.ComputeStats(x))
	}

	if stats && hd.HasGrid {
		b, err := f.GridBounds()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  bounds:    [%.4g, %.4g, %.4g] - [%.4g, %.4g, %.4g]\n",
			b[0], b[1], b[2], b[3], b[4], b[5])
	}
	return nil
}
