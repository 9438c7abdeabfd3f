package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	"github.com/google/uuid"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	adst "go.airbusds-geo.com/gcp/storage"
	"go.airbusds-geo.com/log"
	k8sv1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	k8smeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	wfv1 "github.com/argoproj/argo-workflows/v3/pkg/apis/workflow/v1alpha1"
	"sigs.k8s.io/yaml"

	"github.com/airbusgeo/satchip"
	"github.com/airbusgeo/satchip/catalog"
	"github.com/airbusgeo/satchip/rtc"
)

var stcl *storage.Client
var adstcl *adst.Client

var verbose bool
var blocksize string
var numCachedBlocks int
var startTime time.Time

var outDir string
var imageDir string
var strategy string
var maxCloudPct int
var warpSwitches string
var workers int
var watchTimeout time.Duration
var catalogURL string
var rtcURL string
var uploadTo string

var jobid string
var dockerImage string
var defaultImage string = "build-error-this-variable-should-have-been-set-on-build"

var rootCmd = &cobra.Command{
	Use:   "satchip",
	Short: "fixed-grid satellite imagery chipping cli",
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
		ctx := cmd.Context()
		var err error

		if stcl, err = storage.NewClient(ctx); err != nil {
			return fmt.Errorf("storage.newclient: %w", err)
		}
		if adstcl, err = adst.New(ctx, adst.WithStorageClient(stcl)); err != nil {
			return fmt.Errorf("ads storage.new: %w", err)
		}
		gcsh, err := gcs.Handle(ctx, gcs.GCSClient(stcl))
		if err != nil {
			return fmt.Errorf("gcs.handle: %w", err)
		}
		gcsa, err := osio.NewAdapter(gcsh, osio.BlockSize(blocksize), osio.NumCachedBlocks(numCachedBlocks))
		if err != nil {
			return fmt.Errorf("osio.new: %w", err)
		}
		if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
			return fmt.Errorf("register osio: %w", err)
		}
		godal.RegisterAll()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		log.Logger(cmd.Context()).Sugar().Debugf("command %s took %.1fs",
			cmd.Name(), time.Since(startTime).Seconds())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&blocksize, "blocksize", "512k", "gs cache blocksize")
	rootCmd.PersistentFlags().IntVar(&numCachedBlocks, "numblocks", 1000, "number of gs cached blocks")
	rootCmd.AddCommand(labelCmd, dataCmd, workflowCmd)

	labelCmd.Flags().StringVar(&outDir, "outdir", ".", "output directory for the chips")

	dataCmd.Flags().StringVar(&outDir, "outdir", ".", "output directory for the chips")
	dataCmd.Flags().StringVar(&imageDir, "imagedir", "", "scratch directory for image files (default outdir/IMAGES)")
	dataCmd.Flags().StringVar(&strategy, "strategy", "BEST", "strategy when multiple scenes qualify (BEST|ALL)")
	dataCmd.Flags().IntVar(&maxCloudPct, "maxcloudpct", 100, "maximum percent cloud cover for a data chip")
	dataCmd.Flags().StringVar(&warpSwitches, "warpSwitches", "", "extra gdalwarp switches for imagery warps")
	dataCmd.Flags().IntVar(&workers, "workers", 4, "concurrent cell assemblies")
	dataCmd.Flags().DurationVar(&watchTimeout, "watchTimeout", 6*time.Hour, "maximum wait for RTC jobs")
	dataCmd.Flags().StringVar(&catalogURL, "catalogURL", "", "scene search endpoint override")
	dataCmd.Flags().StringVar(&rtcURL, "rtcURL", "", "RTC processing endpoint override")
	dataCmd.Flags().StringVar(&uploadTo, "uploadTo", "", "gs:// prefix to upload finished chips to")

	workflowCmd.Flags().StringVar(&outDir, "outdir", ".", "output directory for the chips")
	workflowCmd.Flags().StringVar(&strategy, "strategy", "BEST", "strategy when multiple scenes qualify (BEST|ALL)")
	workflowCmd.Flags().IntVar(&maxCloudPct, "maxcloudpct", 100, "maximum percent cloud cover for a data chip")
	workflowCmd.Flags().StringVar(&jobid, "jobID", "", "(advanced) use predefined job identifier")
	workflowCmd.Flags().StringVar(&dockerImage, "dockerImage", defaultImage, "docker image for workers")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var labelCmd = &cobra.Command{
	Use:   "label label.tif date",
	Short: "chip a label raster onto the canonical grid",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := time.Parse("2006-01-02T15:04:05", args[1])
		if err != nil {
			if date, err = time.Parse("2006-01-02", args[1]); err != nil {
				return fmt.Errorf("invalid date %s (expecting ISO format): %w", args[1], err)
			}
		}
		outputs, err := satchip.ChipLabels(cmd.Context(), args[0], date.UTC(), outDir)
		if err != nil {
			return err
		}
		log.Logger(cmd.Context()).Sugar().Infof("wrote %d label chips", len(outputs))
		return nil
	},
}

// labelFiles expands a label path argument: a directory is globbed for chip
// archives, anything else is taken as a single label file.
func labelFiles(path string) ([]string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !st.IsDir() {
		return []string{path}, nil
	}
	files, err := filepath.Glob(filepath.Join(path, "*"+satchip.ChipExt))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no label files found in %s", path)
	}
	return files, nil
}

func parseDateRange(s string) (time.Time, time.Time, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date range %s (expecting YYYYMMDD-YYYYMMDD)", s)
	}
	start, err := time.Parse("20060102", parts[0])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %s: %w", parts[0], err)
	}
	end, err := time.Parse("20060102", parts[1])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %s: %w", parts[1], err)
	}
	return start, end, nil
}

var dataCmd = &cobra.Command{
	Use:   "data labeldir platform YYYYMMDD-YYYYMMDD",
	Short: "create imagery chips for labelled cells",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		labels, err := labelFiles(args[0])
		if err != nil {
			return err
		}
		platform := strings.ToUpper(args[1])
		start, end, err := parseDateRange(args[2])
		if err != nil {
			return err
		}
		strat, err := satchip.ParseStrategy(strategy)
		if err != nil {
			return err
		}
		extraSwitches, err := shellwords.Parse(warpSwitches)
		if err != nil {
			return fmt.Errorf("invalid warpSwitches: %w", err)
		}

		pipeline, err := satchip.NewPipeline(
			catalog.NewClient(catalogURL),
			rtc.NewClient(rtcURL),
			satchip.WithStrategy(strat),
			satchip.WithDateRange(start, end),
			satchip.WithMaxCloudPct(maxCloudPct),
			satchip.WithOutDir(outDir),
			satchip.WithImageDir(imageDir),
			satchip.WithWarpSwitches(extraSwitches),
			satchip.WithWorkers(workers),
			satchip.WithWatchTimeout(watchTimeout),
		)
		if err != nil {
			return err
		}
		outputs, err := pipeline.CreateChips(ctx, labels, platform)
		if err != nil {
			return err
		}
		if uploadTo != "" {
			for _, out := range outputs {
				dst := strings.TrimSuffix(uploadTo, "/") + "/" + platform + "/" + filepath.Base(out)
				if err := adstcl.UploadFromFile(ctx, dst, out); err != nil {
					return fmt.Errorf("upload %s: %w", dst, err)
				}
			}
		}
		log.Logger(ctx).Sugar().Infof("wrote %d %s chips", len(outputs), platform)
		return nil
	},
}

func int32Ptr(val int32) *int32 {
	a := val
	return &a
}

func intOrStringPtr(val int) *intstr.IntOrString {
	a := intstr.FromInt(val)
	return &a
}

func resourcePtr(val string) *resource.Quantity {
	res := resource.MustParse(val)
	return &res
}

var workflowCmd = &cobra.Command{
	Use:   "workflow labeldir platform YYYYMMDD-YYYYMMDD",
	Short: "create argo workflow fanning chipping out over label files",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		labels, err := labelFiles(args[0])
		if err != nil {
			return err
		}
		platform := strings.ToUpper(args[1])
		if _, _, err := parseDateRange(args[2]); err != nil {
			return err
		}
		if _, err := satchip.ParseStrategy(strategy); err != nil {
			return err
		}
		if jobid == "" {
			jobid = uuid.New().String()
		}

		wf := &wfv1.Workflow{
			ObjectMeta: k8smeta.ObjectMeta{
				GenerateName: "satchip-",
			},
			TypeMeta: k8smeta.TypeMeta{
				APIVersion: "argoproj.io/v1alpha1",
				Kind:       "Workflow",
			},
			Spec: wfv1.WorkflowSpec{
				TTLStrategy: &wfv1.TTLStrategy{
					SecondsAfterSuccess: int32Ptr(3600),
				},
				Entrypoint: "satchip",
				TemplateDefaults: &wfv1.Template{
					Volumes: []k8sv1.Volume{
						{
							Name: "scratch",
							VolumeSource: k8sv1.VolumeSource{
								EmptyDir: &k8sv1.EmptyDirVolumeSource{
									SizeLimit: resourcePtr("10G"),
								},
							},
						},
					},
					Container: &k8sv1.Container{
						ImagePullPolicy: k8sv1.PullAlways,
						Resources: k8sv1.ResourceRequirements{
							Requests: k8sv1.ResourceList{
								k8sv1.ResourceCPU:    resource.MustParse("2"),
								k8sv1.ResourceMemory: resource.MustParse("2G"),
							},
						},
						WorkingDir: "/scratch",
						VolumeMounts: []k8sv1.VolumeMount{
							{
								Name:      "scratch",
								MountPath: "/scratch",
							},
						},
					},
				},
				Templates: []wfv1.Template{
					{Name: "satchip"},
				},
			},
		}

		ps := wfv1.ParallelSteps{}
		for i, label := range labels {
			command := []string{"satchip", "data", label, platform, args[2],
				"--outdir", outDir,
				"--strategy", strategy,
				"--maxcloudpct", fmt.Sprintf("%d", maxCloudPct),
				"--imagedir", filepath.Join(outDir, "IMAGES", jobid),
			}
			ps.Steps = append(ps.Steps, wfv1.WorkflowStep{
				Name: fmt.Sprintf("chip-%d", i),
				Inline: &wfv1.Template{
					RetryStrategy: &wfv1.RetryStrategy{
						Limit: intOrStringPtr(5),
					},
					Container: &k8sv1.Container{
						Name:    "chip",
						Image:   dockerImage,
						Command: command,
					},
				},
			})
		}
		wf.Spec.Templates[0].Steps = append(wf.Spec.Templates[0].Steps, ps)

		yb, err := yaml.Marshal(wf)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		fmt.Println(string(yb))
		return nil
	},
}
