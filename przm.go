package main

import (
	goflag "flag"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	c_error "github.com/phil-mansfield/przm/lib/error"
)

var rootCmd = &cobra.Command{
	Use:   "przm",
	Short: "przm: parallel checkpoints of unstructured prism meshes",
	Long: `
przm writes one shared checkpoint file per timestep from many cooperating
ranks, each of which owns a partition of a mesh. Checkpoints are written to
<name>.checkpoint/tNNNN.d/r.out and can be inspected, packed with zstd, and
unpacked again.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// glog registers -v, -logtostderr, etc. on the standard flag set.
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
}

func main() {
	goflag.CommandLine.Parse([]string{})
	if err := rootCmd.Execute(); err != nil {
		c_error.External("%v", err)
	}
}
