// Command sparc corrects cell barcodes, deduplicates UMIs and writes
// cell x gene count matrices.
package main

import (
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	settings = viper.New()

	configFile string
	cpuprofile string
	memprofile string
	verbose    bool

	cpuFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "sparc",
	Short: "Single-cell barcode correction, UMI deduplication and counting",
	Long: `sparc resolves noisy cell barcodes against a whitelist, collapses UMI
sequencing errors per cell and gene, and writes a sparse count matrix in
MatrixMarket format.`,
	SilenceUsage:       true,
	PersistentPreRunE:  startProfile,
	PersistentPostRunE: stopProfile,
}

func init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "read configuration from `file`")
	flags.StringVar(&cpuprofile, "cpuprofile", "", "write cpu profile to `file`")
	flags.StringVar(&memprofile, "memprofile", "", "write memory profile to `file`")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log debug messages")
	flags.IntP("threads", "t", runtime.NumCPU(), "worker goroutines")
	flags.StringP("whitelist", "w", "", "barcode whitelist `file`, plain or gzip")
	flags.Int("barcode-length", 0, "barcode length, 0 to take it from the whitelist")
	flags.Int("max-mismatch", 1, "largest barcode correction distance")
	flags.Int("variant-depth", 1, "mismatch depth of the precomputed variant table")
	flags.Bool("abundance-tiebreak", false, "resolve ties toward the most abundant whitelist entry")

	bindFlags(rootCmd, map[string]string{
		"threads":            "threads",
		"whitelist":          "whitelist",
		"barcode_length":     "barcode-length",
		"max_mismatch":       "max-mismatch",
		"variant_depth":      "variant-depth",
		"abundance_tiebreak": "abundance-tiebreak",
	})
}

// bindFlags binds config keys to the named flags of cmd, so a flag given
// on the command line overrides the config file.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(name)
		}
		if err := settings.BindPFlag(key, f); err != nil {
			panic(err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func startProfile(cmd *cobra.Command, args []string) error {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if cpuprofile == "" {
		return nil
	}
	f, err := os.Create(cpuprofile)
	if err != nil {
		return errors.Wrap(err, "could not create CPU profile")
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return errors.Wrap(err, "could not start CPU profile")
	}
	cpuFile = f
	return nil
}

func stopProfile(cmd *cobra.Command, args []string) error {
	if cpuFile != nil {
		pprof.StopCPUProfile()
		cpuFile.Close()
		cpuFile = nil
	}
	if memprofile == "" {
		return nil
	}
	f, err := os.Create(memprofile)
	if err != nil {
		return errors.Wrap(err, "could not create memory profile")
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	return errors.Wrap(pprof.WriteHeapProfile(f), "could not write memory profile")
}
