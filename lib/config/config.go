/*package config reads the configuration of a przm run.

Configuration comes from three places. Values in a gcfg config file take
precedence over the defaults, and are in turn overridden by PRZM_* environment
variables and command line flags. A config file looks like this:

   [Run]
   Name = out/wave
   Steps = 0..100 - 63
   Comm = local
   Ranks = 8

   [Mesh]
   Points = 100000
   Jitter = 0.25
   Volume = true
   Surface = true
   Variable = pressure

   [Writer]
   Policy = prefix-sum
   Verify-Tiling = false

Every variable can also be set with a flag or environment variable of the same
name in lower case with dashes replaced by underscores, e.g. --verify_tiling or
PRZM_VERIFY_TILING.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/gcfg.v1"

	"github.com/phil-mansfield/przm/lib/checkpoint"
	"github.com/phil-mansfield/przm/lib/container"
	"github.com/phil-mansfield/przm/lib/format"
	"github.com/phil-mansfield/przm/lib/mpi"
	"github.com/phil-mansfield/przm/lib/slab"
	"github.com/phil-mansfield/przm/lib/synth"
)

// EnvPrefix is the prefix of every environment variable read by przm.
const EnvPrefix = "PRZM"

const (
	LocalComm = "local"
	TCPComm   = "tcp"
)

// File is the contents of a config file.
type File struct {
	Run struct {
		Name        string
		Steps       string
		Comm        string
		Ranks       int
		Rank        int
		Size        int
		Hub         string
		InitTimeout string `gcfg:"init-timeout"`
		MetricsAddr string `gcfg:"metrics-addr"`
		InSituStats bool   `gcfg:"insitu-stats"`
	}
	Mesh struct {
		Points   uint64
		Jitter   float64
		Volume   bool
		Surface  bool
		Variable string
		Seed     uint64
	}
	Writer struct {
		Policy         string
		StrideHint     uint64 `gcfg:"stride-hint"`
		VerifyTiling   bool   `gcfg:"verify-tiling"`
		CheckAgreement bool   `gcfg:"check-agreement"`
		Preallocate    bool
		Sync           bool
	}
}

// Default returns the configuration used when nothing is set.
func Default() *File {
	f := &File{}
	f.Run.Name = "przm"
	f.Run.Steps = "0"
	f.Run.Comm = LocalComm
	f.Run.Ranks = 1
	f.Run.Size = 1
	f.Run.Hub = "localhost:7070"
	f.Run.InitTimeout = mpi.DefaultInitTimeout.String()

	f.Mesh.Points = 1000
	f.Mesh.Seed = 1

	opts := checkpoint.DefaultOptions()
	f.Writer.Policy = opts.Policy.String()
	f.Writer.CheckAgreement = opts.CheckAgreement
	f.Writer.Preallocate = opts.Container.Preallocate
	f.Writer.Sync = opts.Container.Sync
	return f
}

// ReadFile reads a config file on top of the defaults.
func ReadFile(fname string) (*File, error) {
	f := Default()
	if err := gcfg.ReadFileInto(f, fname); err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", fname)
	}
	return f, nil
}

// ReadString is ReadFile for a config file which has already been read into
// memory.
func ReadString(s string) (*File, error) {
	f := Default()
	if err := gcfg.ReadStringInto(f, s); err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	return f, nil
}

// AddFlags adds a flag for every config variable to flags. Flag defaults are
// only used for the help text; an unset flag never overrides the file.
func AddFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("config", "", "Config file. Overridden by environment "+
		"variables and flags.")

	flags.String("name", d.Run.Name, "Output name. Checkpoints are written "+
		"to <name>.checkpoint/tNNNN.d/r.out.")
	flags.String("steps", d.Run.Steps, "Sequence of timesteps, e.g. '0..100 - 63'.")
	flags.String("comm", d.Run.Comm, "Communicator: 'local' runs every rank "+
		"in this process, 'tcp' runs a single rank of a multi-process job.")
	flags.Int("ranks", d.Run.Ranks, "Number of ranks for --comm=local.")
	flags.Int("rank", d.Run.Rank, "Rank of this process for --comm=tcp.")
	flags.Int("size", d.Run.Size, "Number of processes for --comm=tcp.")
	flags.String("hub", d.Run.Hub, "host:port of the rank 0 hub for --comm=tcp.")
	flags.String("init_timeout", d.Run.InitTimeout, "How long --comm=tcp "+
		"waits for every rank to connect.")
	flags.String("metrics_addr", d.Run.MetricsAddr, "If set, serve "+
		"Prometheus metrics on this address.")
	flags.Bool("insitu_stats", d.Run.InSituStats, "Log per-field statistics "+
		"for every timestep.")

	flags.Uint64("points", d.Mesh.Points, "Mean number of points per rank.")
	flags.Float64("jitter", d.Mesh.Jitter, "Fractional spread of point "+
		"counts across ranks.")
	flags.Bool("volume", d.Mesh.Volume, "Write volumetric connectivity.")
	flags.Bool("surface", d.Mesh.Surface, "Write surface connectivity.")
	flags.String("variable", d.Mesh.Variable, "Name of the field variable, "+
		"or empty for none.")
	flags.Uint64("seed", d.Mesh.Seed, "Random seed of the synthetic mesh.")

	flags.String("policy", d.Writer.Policy, "Hyperslab policy: "+
		"'prefix-sum' or 'uniform-stride'.")
	flags.Uint64("stride_hint", d.Writer.StrideHint, "Points per rank for "+
		"uniform-stride. Zero means global/size.")
	flags.Bool("verify_tiling", d.Writer.VerifyTiling, "Check that "+
		"hyperslabs tile every dataset before writing.")
	flags.Bool("check_agreement", d.Writer.CheckAgreement, "Check that "+
		"ranks agree on which datasets exist.")
	flags.Bool("preallocate", d.Writer.Preallocate, "Reserve dataset space "+
		"before writing.")
	flags.Bool("sync", d.Writer.Sync, "Flush writes to stable storage "+
		"before closing.")
}

// NewViper returns a viper instance bound to flags and PRZM_* environment
// variables.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "binding flags")
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Overwrite replaces every value in f which has been set in v.
func (f *File) Overwrite(v *viper.Viper) {
	str := func(key string, x *string) {
		if v.IsSet(key) {
			*x = v.GetString(key)
		}
	}
	integer := func(key string, x *int) {
		if v.IsSet(key) {
			*x = v.GetInt(key)
		}
	}
	u64 := func(key string, x *uint64) {
		if v.IsSet(key) {
			*x = v.GetUint64(key)
		}
	}
	boolean := func(key string, x *bool) {
		if v.IsSet(key) {
			*x = v.GetBool(key)
		}
	}

	str("name", &f.Run.Name)
	str("steps", &f.Run.Steps)
	str("comm", &f.Run.Comm)
	integer("ranks", &f.Run.Ranks)
	integer("rank", &f.Run.Rank)
	integer("size", &f.Run.Size)
	str("hub", &f.Run.Hub)
	str("init_timeout", &f.Run.InitTimeout)
	str("metrics_addr", &f.Run.MetricsAddr)
	boolean("insitu_stats", &f.Run.InSituStats)

	u64("points", &f.Mesh.Points)
	if v.IsSet("jitter") {
		f.Mesh.Jitter = v.GetFloat64("jitter")
	}
	boolean("volume", &f.Mesh.Volume)
	boolean("surface", &f.Mesh.Surface)
	str("variable", &f.Mesh.Variable)
	u64("seed", &f.Mesh.Seed)

	str("policy", &f.Writer.Policy)
	u64("stride_hint", &f.Writer.StrideHint)
	boolean("verify_tiling", &f.Writer.VerifyTiling)
	boolean("check_agreement", &f.Writer.CheckAgreement)
	boolean("preallocate", &f.Writer.Preallocate)
	boolean("sync", &f.Writer.Sync)
}

// RunConfig is a validated configuration.
type RunConfig struct {
	Name  string
	Steps []int

	Comm string
	// Ranks is the size of a local world.
	Ranks   int
	Network mpi.NetworkConfig

	MetricsAddr string
	InSituStats bool

	Mesh       synth.Config
	StrideHint uint64
	Writer     checkpoint.Options
}

// Process validates f and converts it into a RunConfig.
func (f *File) Process() (*RunConfig, error) {
	cfg := &RunConfig{
		Name: f.Run.Name, Comm: f.Run.Comm, Ranks: f.Run.Ranks,
		MetricsAddr: f.Run.MetricsAddr, InSituStats: f.Run.InSituStats,
		StrideHint: f.Writer.StrideHint,
	}

	if cfg.Name == "" {
		return nil, fmt.Errorf("Run.Name is empty")
	}

	var err error
	if cfg.Steps, err = format.ExpandSequenceFormat(f.Run.Steps); err != nil {
		return nil, errors.Wrapf(err, "Run.Steps = '%s' is invalid", f.Run.Steps)
	}
	if len(cfg.Steps) == 0 {
		return nil, fmt.Errorf("Run.Steps = '%s' contains no timesteps.",
			f.Run.Steps)
	}

	switch cfg.Comm {
	case LocalComm:
		if cfg.Ranks < 1 {
			return nil, fmt.Errorf("Run.Ranks = %d, but there must be at "+
				"least one rank.", cfg.Ranks)
		}
	case TCPComm:
		if f.Run.Size < 1 || f.Run.Rank < 0 || f.Run.Rank >= f.Run.Size {
			return nil, fmt.Errorf("Run.Rank = %d and Run.Size = %d, but "+
				"0 <= Rank < Size is required.", f.Run.Rank, f.Run.Size)
		}
		if f.Run.Hub == "" {
			return nil, fmt.Errorf("Run.Hub must be set when Run.Comm = tcp")
		}
		timeout, err := time.ParseDuration(f.Run.InitTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "Run.Init-Timeout = '%s' is invalid",
				f.Run.InitTimeout)
		}
		cfg.Network = mpi.NetworkConfig{
			Rank: f.Run.Rank, Size: f.Run.Size, Hub: f.Run.Hub,
			InitTimeout: timeout,
		}
	default:
		return nil, fmt.Errorf("Run.Comm = '%s', but the only valid values "+
			"are '%s' and '%s'.", cfg.Comm, LocalComm, TCPComm)
	}

	cfg.Mesh = synth.Config{
		Points: f.Mesh.Points, Jitter: f.Mesh.Jitter,
		Volume: f.Mesh.Volume, Surface: f.Mesh.Surface,
		Variable: f.Mesh.Variable, Seed: f.Mesh.Seed,
	}
	if err := cfg.Mesh.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid [Mesh] section")
	}

	policy, err := slab.ParsePolicy(f.Writer.Policy)
	if err != nil {
		return nil, errors.Wrap(err, "invalid Writer.Policy")
	}
	cfg.Writer = checkpoint.Options{
		Policy:         policy,
		VerifyTiling:   f.Writer.VerifyTiling,
		CheckAgreement: f.Writer.CheckAgreement,
		Container: container.Options{
			Preallocate: f.Writer.Preallocate,
			Sync:        f.Writer.Sync,
		},
	}
	return cfg, nil
}

// Load reads the config file named by v's "config" key, if any, overwrites it
// with everything set in v, and validates the result.
func Load(v *viper.Viper) (*RunConfig, error) {
	f := Default()
	if fname := v.GetString("config"); fname != "" {
		var err error
		if f, err = ReadFile(fname); err != nil {
			return nil, err
		}
	}
	f.Overwrite(v)
	return f.Process()
}

// Size returns the number of ranks in the job.
func (cfg *RunConfig) Size() int {
	if cfg.Comm == TCPComm {
		return cfg.Network.Size
	}
	return cfg.Ranks
}
