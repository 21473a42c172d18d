package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/monalisha31/traveler-integrated/internal/catalog"
	"github.com/monalisha31/traveler-integrated/internal/config"
	"github.com/monalisha31/traveler-integrated/internal/dataset"
	"github.com/monalisha31/traveler-integrated/internal/ingest"
	"github.com/monalisha31/traveler-integrated/internal/storage"
)

type bundleOptions struct {
	label     string
	csv       []string
	intervals []string
	code      map[dataset.CodeKind]string
	replace   bool
	verbose   bool
}

func newBundleCmd() *cobra.Command {
	opts := bundleOptions{code: map[dataset.CodeKind]string{}}
	var physl, python, cpp string

	cmd := &cobra.Command{
		Use:   "bundle <label>",
		Short: "Load profiler output into a stored dataset without starting the server",
		Long: `Bundle parses event CSV logs and interval record files into one dataset,
builds its indexes, and writes the snapshot and catalog entry to the
configured storage. A running server picks the dataset up on its next start.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.label = args[0]
			for kind, path := range map[dataset.CodeKind]string{
				dataset.CodePhysl:  physl,
				dataset.CodePython: python,
				dataset.CodeCpp:    cpp,
			} {
				if path != "" {
					opts.code[kind] = path
				}
			}
			if len(opts.csv) == 0 && len(opts.intervals) == 0 && len(opts.code) == 0 {
				return errors.New("nothing to bundle: pass --csv, --intervals or a code file")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !opts.verbose {
				cfg.Log.Level = "warn"
			}
			return runBundle(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.csv, "csv", nil, "event CSV log (repeatable; .gz and .zst accepted)")
	f.StringSliceVar(&opts.intervals, "intervals", nil, "interval records as a JSON or .msgpack array (repeatable)")
	f.StringVar(&physl, "physl", "", "PhySL source file")
	f.StringVar(&python, "python", "", "Python source file")
	f.StringVar(&cpp, "cpp", "", "C++ source file")
	f.BoolVar(&opts.replace, "replace", false, "replace the dataset if it already exists")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "keep info-level logs")
	return cmd
}

func runBundle(ctx context.Context, cfg *config.Config, opts bundleOptions, out io.Writer) error {
	if err := dataset.ValidateLabel(opts.label); err != nil {
		return err
	}
	st, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.catalog.Get(ctx, opts.label); err == nil {
		if !opts.replace {
			return fmt.Errorf("dataset %q already exists (use --replace)", opts.label)
		}
		if err := st.snapshots.Delete(ctx, opts.label); err != nil {
			return fmt.Errorf("remove existing %s: %w", opts.label, err)
		}
		warnColor.Fprintf(out, "replaced ")
		fmt.Fprintf(out, "existing dataset %s\n", opts.label)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return err
	}

	d, err := st.registry.Create(ctx, opts.label)
	if err != nil {
		return err
	}
	if err := bundleIntervals(ctx, d, opts, out); err != nil {
		if derr := st.registry.Purge(ctx, opts.label); derr != nil {
			log.Warn().Err(derr).Str("dataset", opts.label).Msg("Failed to clean up partial dataset")
		}
		return err
	}

	for kind, path := range opts.code {
		text, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := st.registry.AttachCode(ctx, opts.label, kind, filepath.Base(path), string(text)); err != nil {
			return err
		}
		okColor.Fprintf(out, "%-9s", kind)
		fmt.Fprintf(out, " %s (%d bytes)\n", filepath.Base(path), len(text))
	}

	meta := d.Meta()
	okColor.Fprint(out, "bundled ")
	fmt.Fprintf(out, "%s: %d intervals, %d locations, %d primitives\n",
		meta.Label, meta.IntervalCount, len(meta.Locations), len(meta.Primitives))
	if meta.IntervalDomain != nil {
		dimColor.Fprintf(out, "  domain [%g, %g]\n", meta.IntervalDomain[0], meta.IntervalDomain[1])
	}
	dimColor.Fprintf(out, "  stored in %s\n", storage.Describe(st.backend))
	return nil
}

// bundleIntervals runs every CSV and record file through one ingestion.
func bundleIntervals(ctx context.Context, d *dataset.Dataset, opts bundleOptions, out io.Writer) error {
	if len(opts.csv) == 0 && len(opts.intervals) == 0 {
		return nil
	}
	in, err := d.BeginIngest()
	if err != nil {
		return err
	}
	decoder := ingest.NewRecordDecoder(log.Logger)

	fill := func() error {
		for _, path := range opts.csv {
			data, err := readUpload(path)
			if err != nil {
				return err
			}
			stats, err := ingest.ParseEventCSV(ctx, bytes.NewReader(data), in, log.Logger)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			in.AddSource(filepath.Base(path), "csv")
			okColor.Fprintf(out, "%-9s", "csv")
			fmt.Fprintf(out, " %s: %d intervals from %d rows", filepath.Base(path), stats.Intervals, stats.Rows)
			if stats.UnmatchedLeaves+stats.UnclosedEnters > 0 {
				warnColor.Fprintf(out, " (%d unmatched leaves, %d unclosed enters)", stats.UnmatchedLeaves, stats.UnclosedEnters)
			}
			fmt.Fprintln(out)
		}
		for _, path := range opts.intervals {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			format := ingest.FormatJSON
			if ext := strings.ToLower(filepath.Ext(path)); ext == ".msgpack" || ext == ".mp" {
				format = ingest.FormatMsgPack
			}
			stats, err := decoder.Decode(ctx, data, format, in)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			in.AddSource(filepath.Base(path), format.String())
			okColor.Fprintf(out, "%-9s", format)
			fmt.Fprintf(out, " %s: %d records", filepath.Base(path), stats.Records)
			if stats.Skipped > 0 {
				warnColor.Fprintf(out, " (%d skipped)", stats.Skipped)
			}
			fmt.Fprintln(out)
		}
		return nil
	}
	if err := fill(); err != nil {
		in.Abort()
		return err
	}
	_, err = in.Commit(ctx)
	return err
}

func readUpload(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ingest.Decompress(data)
}
