package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/maneesh/runartifacts/internal/archive"
	"github.com/maneesh/runartifacts/internal/chunker"
	"github.com/maneesh/runartifacts/internal/chunkstore"
	"github.com/maneesh/runartifacts/internal/logging"
	"github.com/maneesh/runartifacts/internal/models"
	"github.com/maneesh/runartifacts/internal/preview"
	"github.com/maneesh/runartifacts/internal/reassembly"
	"github.com/maneesh/runartifacts/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globals struct {
	boltPath  string
	serverURL string
	logLevel  string

	stdout io.Writer
	stderr io.Writer
	logger *zap.Logger
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "artifactctl",
		Short:         "Inspect and retrieve stored run files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(g.logLevel, "console")
			if err != nil {
				return err
			}
			g.logger = logger
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&g.boltPath, "bolt", envOr("BOLT_PATH", "runartifacts.db"), "path of the embedded store")
	root.PersistentFlags().StringVar(&g.serverURL, "server", envOr("RUNARTIFACTS_SERVER", "http://localhost:8080"), "base URL of a running server")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		importCommand(g),
		getCommand(g),
		archiveCommand(g),
		previewCommand(g),
		statCommand(g),
	)
	return root
}

func (g *globals) openStore() (*storage.BoltStore, *reassembly.Reassembler, error) {
	bs, err := storage.NewBoltStore(g.boltPath)
	if err != nil {
		return nil, nil, err
	}
	return bs, reassembly.New(bs, chunkstore.New(bs), g.logger), nil
}

// output opens path for writing, or returns stdout for "" and "-".
func (g *globals) output(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{g.stdout}, nil
	}
	return os.Create(path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func importCommand(g *globals) *cobra.Command {
	var (
		chunkSize string
		runID     string
		kind      string
	)
	cmd := &cobra.Command{
		Use:   "import <path>...",
		Short: "Store local files in the embedded store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := units.RAMInBytes(chunkSize)
			if err != nil || size <= 0 {
				return fmt.Errorf("invalid chunk size %q", chunkSize)
			}
			var runKind models.RunFileKind
			if runID != "" {
				var ok bool
				if runKind, ok = models.ParseRunFileKind(kind); !ok {
					return fmt.Errorf("unknown file kind %q", kind)
				}
			}

			bs, _, err := g.openStore()
			if err != nil {
				return err
			}
			defer bs.Close()

			ch := chunker.NewChunker(size)
			var ids []string
			for _, path := range args {
				file, err := importFile(cmd.Context(), bs, ch, path)
				if err != nil {
					return err
				}
				ids = append(ids, file.ID)
				fmt.Fprintf(g.stdout, "%s\t%s\t%s\n", file.ID, file.Filename, humanize.IBytes(uint64(file.Length)))
			}

			if runID == "" {
				return nil
			}
			existing, err := bs.RunFiles(cmd.Context(), runID, runKind)
			if err != nil {
				return err
			}
			return bs.SetRun(runID, runKind, append(existing, ids...))
		},
	}
	cmd.Flags().StringVar(&chunkSize, "chunk-size", "255KiB", "chunk size")
	cmd.Flags().StringVar(&runID, "run", "", "attach the files to this run")
	cmd.Flags().StringVar(&kind, "kind", string(models.KindArtifacts), "run file kind (source_files or artifacts)")
	return cmd
}

func importFile(ctx context.Context, bs *storage.BoltStore, ch *chunker.Chunker, path string) (*models.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return bs.Import(ctx, uuid.New().String(), filepath.ToSlash(abs), f, ch)
}

func getCommand(g *globals) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get <file_id>",
		Short: "Reconstruct a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bs, r, err := g.openStore()
			if err != nil {
				return err
			}
			defer bs.Close()

			stream, err := r.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer stream.Close()

			w, err := g.output(out)
			if err != nil {
				return err
			}
			if _, err := io.Copy(w, stream); err != nil {
				w.Close()
				return err
			}
			return w.Close()
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this path instead of stdout")
	return cmd
}

func archiveCommand(g *globals) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "archive <run_id> <source_files|artifacts>",
		Short: "Write a run's files as a ZIP archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := models.ParseRunFileKind(args[1])
			if !ok {
				return fmt.Errorf("unknown file kind %q", args[1])
			}
			bs, r, err := g.openStore()
			if err != nil {
				return err
			}
			defer bs.Close()

			ids, err := bs.RunFiles(cmd.Context(), args[0], kind)
			if err != nil {
				return err
			}
			plan, err := archive.NewBuilder(bs, r, g.logger).Plan(cmd.Context(), ids)
			if err != nil {
				return fmt.Errorf("%s", models.Message(err))
			}
			for _, w := range plan.Warnings {
				fmt.Fprintf(g.stderr, "skipped %s\n", w)
			}

			if out == "" {
				out = archive.Name(args[0], kind)
			}
			w, err := g.output(out)
			if err != nil {
				return err
			}
			if err := plan.Write(cmd.Context(), w); err != nil {
				w.Close()
				return err
			}
			return w.Close()
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "archive path (default {type}-{run_id}.zip, - for stdout)")
	return cmd
}

func previewCommand(g *globals) *cobra.Command {
	var (
		limit string
		local bool
	)
	cmd := &cobra.Command{
		Use:   "preview <file_id>",
		Short: "Show a small text file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sizeLimit, err := units.RAMInBytes(limit)
			if err != nil || sizeLimit <= 0 {
				return fmt.Errorf("invalid preview limit %q", limit)
			}

			var src preview.Source
			if local {
				bs, r, err := g.openStore()
				if err != nil {
					return err
				}
				defer bs.Close()
				src = preview.NewLocalSource(bs, r)
			} else {
				src = preview.NewHTTPSource(g.serverURL, nil)
			}

			res, err := preview.NewStreamer(src, g.logger).PreviewID(cmd.Context(), args[0], sizeLimit)
			if err != nil {
				return err
			}
			if res.IsSkipped() {
				fmt.Fprintf(g.stderr, "No preview for %s: %s\n", res.File.BaseName(), res.Detail)
				return nil
			}
			_, err = io.WriteString(g.stdout, res.Text)
			return err
		},
	}
	cmd.Flags().StringVar(&limit, "limit", "5MiB", "largest file to preview")
	cmd.Flags().BoolVar(&local, "local", false, "read from the embedded store instead of the server")
	return cmd
}

func statCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <file_id>...",
		Short: "Show file metadata records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bs, _, err := g.openStore()
			if err != nil {
				return err
			}
			defer bs.Close()

			found, err := bs.ResolveMany(cmd.Context(), args)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSIZE\tCHUNKS\tUPLOADED")
			for _, id := range args {
				file, ok := found[id]
				if !ok {
					fmt.Fprintf(g.stderr, "%s: %s\n", id, models.Message(models.ErrNotFound))
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", file.ID, file.Filename,
					humanize.IBytes(uint64(file.Length)), file.ChunkCount(), humanize.Time(file.UploadDate))
			}
			return tw.Flush()
		},
	}
}
