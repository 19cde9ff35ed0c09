// Command tileupload pushes tile pyramids and large files to the tile worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mapstats/service/internal/logging"
	"github.com/mapstats/service/internal/middleware"
	"github.com/mapstats/service/internal/uploader"
)

type cli struct {
	workerURL string
	token     string
	logLevel  string
	log       zerolog.Logger
}

func (c *cli) client() (*uploader.Client, error) {
	if c.workerURL == "" {
		return nil, errors.New("--worker or TILE_WORKER_URL is required")
	}
	return uploader.NewClient(c.workerURL, c.token, nil), nil
}

func main() {
	c := &cli{}
	root := &cobra.Command{
		Use:   "tileupload",
		Short: "Upload map tiles and large files to the tile worker",
		Long: `Upload map tiles and large files to the tile worker.

Examples:
  tileupload tiles augusta-national ./export            # directory of z/x/y.png
  tileupload tiles augusta-national tiles.zip -c 30     # zip archive, 30 parallel PUTs
  tileupload file imagery.tif club/42/imagery.tif       # multipart above the part size
  tileupload list augusta-national tiles/17/
  tileupload token --role client --club 42 --ttl 24h`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.log = logging.Init(logging.Config{Level: c.logLevel, Format: "console"})
		},
	}
	root.PersistentFlags().StringVarP(&c.workerURL, "worker", "w", os.Getenv("TILE_WORKER_URL"), "Worker base URL, e.g. https://api.example.com/worker")
	root.PersistentFlags().StringVarP(&c.token, "token", "t", os.Getenv("TILE_WORKER_TOKEN"), "Admin bearer token")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "Log level")

	root.AddCommand(c.tilesCmd(), c.fileCmd(), c.listCmd(), c.deleteCmd(), tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func (c *cli) tilesCmd() *cobra.Command {
	var batch, conc int
	cmd := &cobra.Command{
		Use:   "tiles <course-id> <dir|archive.zip>",
		Short: "Upload every z/x/y.png under a directory or inside a zip archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			items, closeSrc, err := openSource(args[1])
			if err != nil {
				return err
			}
			defer closeSrc()
			if len(items) == 0 {
				return fmt.Errorf("no tiles found in %s", args[1])
			}

			o := &uploader.Orchestrator{Client: client, BatchSize: batch, Concurrency: conc, Logger: c.log}
			start := time.Now()
			last := -1
			sum, err := o.Upload(cmd.Context(), args[0], items, func(p uploader.Progress) {
				if pct := int(p.Percentage); pct/5 != last/5 || p.Uploaded == p.Total {
					last = pct
					c.log.Info().Int("uploaded", p.Uploaded).Int("total", p.Total).Str("tile", p.CurrentItem).Msgf("%d%%", pct)
				}
			})
			c.log.Info().
				Int("succeeded", sum.Succeeded).
				Int("failed", sum.Failed).
				Dur("took", time.Since(start)).
				Msg("done")
			for _, f := range sum.Failures {
				fmt.Fprintln(cmd.ErrOrStderr(), f.Error())
			}
			if err != nil {
				return err
			}
			if sum.Failed > 0 {
				return fmt.Errorf("%d of %d tiles failed", sum.Failed, sum.Total)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&batch, "batch", "b", uploader.DefaultBatchSize, "Tiles per upload-URL request")
	cmd.Flags().IntVarP(&conc, "concurrency", "c", uploader.DefaultConcurrency, "Parallel PUTs within a batch")
	return cmd
}

func openSource(path string) ([]uploader.Item, func(), error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		items, err := uploader.FromDir(path)
		return items, func() {}, err
	}
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		a, err := uploader.FromZip(path)
		if err != nil {
			return nil, nil, err
		}
		return a.Items, func() { _ = a.Close() }, nil
	}
	items, err := uploader.FromFiles([]string{path})
	return items, func() {}, err
}

func (c *cli) fileCmd() *cobra.Command {
	var partSize int64
	var conc int
	var contentType string
	cmd := &cobra.Command{
		Use:   "file <path> <key>",
		Short: "Upload one file, in parts when it is larger than the part size",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			u := &uploader.LargeFileUploader{Client: client, PartSize: partSize, Concurrency: conc, Logger: c.log}
			last := -1
			return u.UploadFile(cmd.Context(), args[0], args[1], contentType, func(p uploader.ByteProgress) {
				if pct := int(p.Percentage); pct/10 != last/10 {
					last = pct
					c.log.Info().Int64("loaded", p.Loaded).Int64("total", p.Total).Msgf("%d%%", pct)
				}
			})
		},
	}
	cmd.Flags().Int64Var(&partSize, "part-size", uploader.DefaultPartSize, "Part size in bytes")
	cmd.Flags().IntVar(&conc, "concurrency", uploader.DefaultPartConcurrency, "Parallel part uploads")
	cmd.Flags().StringVar(&contentType, "content-type", "", "Content type of the stored object")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <course-id> [prefix]",
		Short: "List a course's tiles",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) > 1 {
				prefix = args[1]
			}
			tiles, truncated, err := client.ListTiles(cmd.Context(), args[0], prefix)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range tiles {
				fmt.Fprintf(out, "%d/%d/%d\t%d\t%s\n", t.Z, t.X, t.Y, t.Size, t.Uploaded.Format(time.RFC3339))
			}
			if truncated {
				fmt.Fprintln(cmd.ErrOrStderr(), "listing truncated")
			}
			return nil
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <course-id> <z> <x> <y>",
		Short: "Delete one tile",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			var zxy [3]int
			for i, a := range args[1:] {
				if zxy[i], err = strconv.Atoi(a); err != nil {
					return fmt.Errorf("invalid coordinate %q", a)
				}
			}
			return client.DeleteTile(cmd.Context(), args[0], zxy[0], zxy[1], zxy[2])
		},
	}
}

func tokenCmd() *cobra.Command {
	var secret, role, club, scope, subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the service's JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}
			tok, err := middleware.IssueToken(secret, middleware.Claims{
				Role:             role,
				ClubID:           club,
				ScopePrefix:      scope,
				RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	cmd.Flags().StringVar(&role, "role", "admin", "admin or client")
	cmd.Flags().StringVar(&club, "club", "", "Club id; scopes a client to club/{id}/")
	cmd.Flags().StringVar(&scope, "scope", "", "Explicit scope prefix, overrides --club")
	cmd.Flags().StringVar(&subject, "subject", "tileupload", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
