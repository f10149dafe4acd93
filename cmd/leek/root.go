package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tamirms/leek/internal/impl"
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		v          *viper.Viper
	)

	// load is shared by every subcommand that needs the merged settings.
	load := func(args []string) (*Config, error) {
		cfg, err := loadConfig(v, configPath)
		if err != nil {
			return nil, err
		}
		if len(args) == 1 {
			cfg.Search.Prefix = args[0]
		}
		return cfg, nil
	}

	root := &cobra.Command{
		Use:   "leek [prefix]",
		Short: "Find RSA onion keys with a wanted address prefix",
		Long: `Leek generates RSA keypairs and, for each, hashes every public exponent
in a 2^30 range looking for onion addresses that start with one of the
wanted prefixes. Prefixes are given as an argument or as a file with one
base32 prefix per line.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(args)
			if err != nil {
				return err
			}
			return runSearch(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "configuration file (default ./leek.yaml if present)")
	flags.String("prefixes", "", "file with one prefix per line")
	flags.Int("min-length", 4, "ignore prefixes shorter than this")
	flags.Int("max-length", 16, "ignore prefixes longer than this")
	flags.IntP("workers", "t", 0, "worker threads (0 = one per logical core)")
	flags.Int("key-size", 1024, "RSA modulus size in bits")
	flags.String("impl", "", "exhaust implementation (default: best available)")
	flags.Uint64P("stop-after", "n", 0, "stop after this many results (0 = never)")
	flags.Bool("affinity", false, "pin each worker to a CPU")
	flags.StringP("output", "o", "", "directory for PEM files (default: print to stdout)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Duration("stats-interval", 10*time.Second, "interval between progress reports")

	var err error
	if v, err = newViper(flags); err != nil {
		// Every key in flagKeys is registered above.
		panic(err)
	}

	root.AddCommand(&cobra.Command{
		Use:   "impls",
		Short: "List exhaust implementations and whether this CPU supports them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listImplementations(cmd)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(args)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return root
}

func listImplementations(cmd *cobra.Command) error {
	reg := impl.NewRegistry()
	best, err := reg.Best()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "CPU: %s\n", impl.Describe())
	for _, im := range reg.All() {
		status := "unavailable"
		if im.Available() {
			status = "available"
		}
		mark := " "
		if im.Name() == best.Name() {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %-8s %2d lanes  %s\n", mark, im.Name(), im.Weight(), status)
	}
	return nil
}
