package main

import (
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/phil-mansfield/przm/lib/checkpoint"
	"github.com/phil-mansfield/przm/lib/config"
	"github.com/phil-mansfield/przm/lib/insitu"
	"github.com/phil-mansfield/przm/lib/metrics"
	"github.com/phil-mansfield/przm/lib/mpi"
	"github.com/phil-mansfield/przm/lib/synth"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Write checkpoints of a synthetic mesh for a sequence of timesteps",
	Long: `
run generates a synthetic prism mesh on every rank and checkpoints it at each
timestep in --steps. With --comm=local every rank runs in this process. With
--comm=tcp this process is rank --rank of a --size process job whose rank 0
listens on --hub. If any rank fails, every rank stops and przm exits with
status 1.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.NewViper(cmd.Flags())
		if err != nil {
			return err
		}
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}

		m := metrics.New()
		if cfg.MetricsAddr != "" {
			if _, err := m.Serve(cfg.MetricsAddr); err != nil {
				return errors.Wrap(err, "starting metrics server")
			}
		}
		return runJob(cfg, m)
	},
}

func init() {
	config.AddFlags(runCmd.Flags())
	rootCmd.AddCommand(runCmd)
}

// runJob runs every rank of cfg that lives in this process.
func runJob(cfg *config.RunConfig, m *metrics.Metrics) error {
	w := checkpoint.NewWriter(cfg.Writer, m)

	switch cfg.Comm {
	case config.LocalComm:
		return mpi.Spawn(cfg.Ranks, func(c mpi.Comm) error {
			return runRank(c, cfg, w)
		})
	case config.TCPComm:
		n, err := mpi.Dial(cfg.Network)
		if err != nil {
			return err
		}
		defer n.Close()

		if err := runRank(n, cfg, w); err != nil {
			n.Abort(err)
			return err
		}
		return nil
	}
	return errors.Errorf("unknown communicator '%s'", cfg.Comm)
}

// runRank writes every timestep on a single rank.
func runRank(comm mpi.Comm, cfg *config.RunConfig, w *checkpoint.Writer) error {
	ck := insitu.NewCheckpointer(comm, w, cfg.Name, cfg.Mesh.Variable)
	ck.StrideHint = cfg.StrideHint

	pipes := []insitu.Pipeline{}
	if cfg.InSituStats {
		pipes = append(pipes, insitu.NewFieldStats(comm.Rank()))
	}
	pipes = append(pipes, ck)

	b := insitu.NewBridge(insitu.Multi(pipes...))
	for _, step := range cfg.Steps {
		part, err := synth.Generate(comm, step, &cfg.Mesh)
		if err != nil {
			return err
		}
		if err := b.Step(insitu.FromPartition(step, part)); err != nil {
			return err
		}

		if sum := ck.Last(); comm.Rank() == 0 {
			glog.Infof("step %d: %s points, %s prisms, %s triangles -> %s (%s)",
				step, humanize.Comma(int64(sum.Points)),
				humanize.Comma(int64(sum.Volume)),
				humanize.Comma(int64(sum.Surface)), sum.Path, sum.Duration)
		}
	}
	return b.Close()
}
