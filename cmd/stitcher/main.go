package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	adst "go.airbusds-geo.com/gcp/storage"
	"go.airbusds-geo.com/log"

	"github.com/geostitch/stitcher"
)

var (
	cfgFile   string
	verbose   bool
	startTime time.Time
	cfg       stitcher.Config

	stcl *storage.Client
)

var rootCmd = &cobra.Command{
	Use:   "stitcher",
	Short: "satellite tile normalization and mosaicking pipeline",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		startTime = time.Now()
		if !verbose {
			os.Setenv("LOGLEVEL", "info")
			log.Structured()
		}
		godal.RegisterAll()

		if cfgFile != "" {
			var err error
			if cfg, err = stitcher.LoadConfig(cfgFile); err != nil {
				return err
			}
		} else {
			cfg = stitcher.DefaultConfig()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		log.Logger(cmd.Context()).Sugar().Debugf("command %s took %.1fs",
			cmd.Name(), time.Since(startTime).Seconds())
	},
}

// initGCS sets up the storage client and lets godal read gs:// paths through
// a cached range-read adapter. Only commands touching buckets call it.
func initGCS(ctx context.Context) error {
	var err error
	if stcl, err = storage.NewClient(ctx); err != nil {
		return fmt.Errorf("storage.newclient: %w", err)
	}
	gcsh, err := gcs.Handle(ctx, gcs.GCSClient(stcl))
	if err != nil {
		return fmt.Errorf("gcs.handle: %w", err)
	}
	gcsa, err := osio.NewAdapter(gcsh, osio.BlockSize("512k"), osio.NumCachedBlocks(100))
	if err != nil {
		return fmt.Errorf("osio.new: %w", err)
	}
	if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
		return fmt.Errorf("register osio: %w", err)
	}
	return nil
}

var (
	targetCRS    string
	outPath      string
	workers      int
	recursive    bool
	warpSwitches string
)

var mergeCmd = &cobra.Command{
	Use:   "merge directory",
	Short: "reproject all tiles of a directory to one CRS and merge them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		switches, err := shellwords.Parse(warpSwitches)
		if err != nil {
			return fmt.Errorf("invalid warp switches: %w", err)
		}
		crs := targetCRS
		if crs == "" {
			crs = cfg.TargetCRS
		}
		r := stitcher.NewReprojector(crs)
		if workers > 0 {
			r.Workers = workers
		}
		r.Switches = switches
		p := &stitcher.Pipeline{
			Reprojector: r,
			Merge:       stitcher.MergeOptions{OutputPath: outPath},
			Recursive:   recursive,
		}
		mosaic, err := p.Run(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(mosaic)
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "process every pending project/date unit from the source bucket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.SourceBucket == "" || cfg.DestBucket == "" {
			return fmt.Errorf("sourceBucket and destBucket must be configured")
		}
		if err := initGCS(ctx); err != nil {
			return err
		}
		src, err := stitcher.NewGCSStore(ctx, stcl, cfg.SourceBucket)
		if err != nil {
			return err
		}
		dst, err := stitcher.NewGCSStore(ctx, stcl, cfg.DestBucket)
		if err != nil {
			return err
		}
		units, err := stitcher.PendingUnits(ctx, src, dst)
		if err != nil {
			return err
		}
		lg := log.Logger(ctx).Sugar()
		lg.Infof("%d units pending", len(units))

		results := stitcher.NewBatch(cfg, src, dst).Run(ctx, units)
		var failed int
		for _, res := range results {
			if res.Status == stitcher.StatusFailed {
				failed++
			}
			fmt.Printf("%s\t%s\t%d uploaded", res.Unit, res.Status, len(res.Uploaded))
			if res.Err != nil {
				fmt.Printf("\t%v", res.Err)
			}
			fmt.Println()
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d units failed", failed, len(results))
		}
		return nil
	},
}

var (
	fetchBBox       []float64
	fetchCRS        string
	fetchFrom       string
	fetchTo         string
	fetchCollection string
	fetchEvalscript string
	fetchResolution float64
	fetchDest       string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "download one area-of-interest raster from the imagery API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(fetchBBox) != 4 {
			return fmt.Errorf("--bbox needs west,south,east,north")
		}
		script, err := os.ReadFile(fetchEvalscript)
		if err != nil {
			return fmt.Errorf("read evalscript %s: %w", fetchEvalscript, err)
		}
		from, err := time.Parse("2006-01-02", fetchFrom)
		if err != nil {
			return fmt.Errorf("parse --from: %w", err)
		}
		to, err := time.Parse("2006-01-02", fetchTo)
		if err != nil {
			return fmt.Errorf("parse --to: %w", err)
		}
		bbox := stitcher.Bounds{
			West: fetchBBox[0], South: fetchBBox[1],
			East: fetchBBox[2], North: fetchBBox[3],
		}
		w, h := stitcher.BBoxDimensions(bbox, fetchCRS, fetchResolution)
		cl := stitcher.NewClient(os.Getenv("PROCESS_API_URL"), os.Getenv("PROCESS_API_TOKEN"))
		tile, err := cl.Fetch(ctx, stitcher.FetchRequest{
			BBox:       bbox,
			CRS:        fetchCRS,
			Time:       stitcher.TimeRange{From: from, To: to},
			Collection: fetchCollection,
			Evalscript: string(script),
			Width:      w,
			Height:     h,
		}, fetchDest)
		if err != nil {
			return err
		}
		fmt.Println(tile)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls gs://bucket/prefix",
	Short: "list bucket objects under a prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		bucket, prefix, err := adst.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid location %s: %w", args[0], err)
		}
		if err := initGCS(ctx); err != nil {
			return err
		}
		store, err := stitcher.NewGCSStore(ctx, stcl, bucket)
		if err != nil {
			return err
		}
		keys, err := store.List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "pipeline config file (yaml)")
	rootCmd.AddCommand(mergeCmd, batchCmd, fetchCmd, lsCmd)

	mergeCmd.Flags().StringVar(&targetCRS, "crs", "", "target CRS (default from config)")
	mergeCmd.Flags().StringVar(&outPath, "out", "", "mosaic output path (default <dir>/stitched.tif)")
	mergeCmd.Flags().IntVar(&workers, "workers", 0, "reprojection worker count (default cores-1)")
	mergeCmd.Flags().BoolVar(&recursive, "recursive", false, "scan subdirectories")
	mergeCmd.Flags().StringVar(&warpSwitches, "warp-switches", "", "extra gdalwarp switches, e.g. \"-wm 512\"")

	fetchCmd.Flags().Float64SliceVar(&fetchBBox, "bbox", nil, "west,south,east,north")
	fetchCmd.Flags().StringVar(&fetchCRS, "crs", "EPSG:4326", "bbox CRS")
	fetchCmd.Flags().StringVar(&fetchFrom, "from", "", "time range start (YYYY-MM-DD)")
	fetchCmd.Flags().StringVar(&fetchTo, "to", "", "time range end (YYYY-MM-DD)")
	fetchCmd.Flags().StringVar(&fetchCollection, "collection", "sentinel-2-l1c", "data collection")
	fetchCmd.Flags().StringVar(&fetchEvalscript, "evalscript", "", "evalscript file")
	fetchCmd.Flags().Float64Var(&fetchResolution, "resolution", 30, "pixel size in meters")
	fetchCmd.Flags().StringVar(&fetchDest, "dest", "downloaded_data", "destination directory")
	fetchCmd.MarkFlagRequired("bbox")       //nolint:errcheck
	fetchCmd.MarkFlagRequired("from")       //nolint:errcheck
	fetchCmd.MarkFlagRequired("to")         //nolint:errcheck
	fetchCmd.MarkFlagRequired("evalscript") //nolint:errcheck
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(1)
	}
}
