package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/soypat/cfmesh"
	"github.com/soypat/cfmesh/config"
	"github.com/soypat/cfmesh/internal/d3"
	"github.com/soypat/cfmesh/octree"
	"github.com/soypat/cfmesh/pstream"
	"github.com/soypat/cfmesh/render"
	"github.com/spf13/cobra"
	"gonum.org/v1/plot/vg"
)

var (
	classifyConfig      string
	classifyProcs       int
	classifyMaxCell     float64
	classifyPlot        string
	classifySliceAxis   string
	classifySliceOffset float64
	classifyPlotSize    float64
)

var classifyCmd = &cobra.Command{
	Use:   "classify [file]",
	Short: "Build the octree of an STL surface and classify its leaves",
	Long: `Build the octree of a closed STL surface on one or several ranks and
classify every leaf as inside, outside or intersected by the surface.
Settings are read from the dictionary given by --config, or from
meshDict.toml next to the STL file if present. Flags override them.`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().StringVarP(&classifyConfig, "config", "c", "", "Meshing dictionary")
	classifyCmd.Flags().IntVarP(&classifyProcs, "procs", "n", 1, "Number of ranks")
	classifyCmd.Flags().Float64Var(&classifyMaxCell, "max-cell", 0, "Maximum cell size")
	classifyCmd.Flags().StringVar(&classifyPlot, "plot", "", "Write a slice of the classified leaves to this png or svg file")
	classifyCmd.Flags().StringVar(&classifySliceAxis, "slice-axis", "z", "Axis normal to the plotted slice")
	classifyCmd.Flags().Float64Var(&classifySliceOffset, "slice-offset", 0, "Position of the plotted slice, default the middle of the root box")
	classifyCmd.Flags().Float64Var(&classifyPlotSize, "plot-size", 15, "Side of the plot in centimeters")
}

func loadSettings(cmd *cobra.Command, stlPath string) (config.Settings, error) {
	path := classifyConfig
	if path == "" {
		candidate := filepath.Join(filepath.Dir(stlPath), config.DefaultFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if cmd.Flags().Changed("procs") {
		cfg.Procs = classifyProcs
	}
	if cmd.Flags().Changed("max-cell") {
		cfg.MaxCellSize = classifyMaxCell
	}
	return cfg, cfg.Validate()
}

func runClassify(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	cfg, err := loadSettings(cmd, args[0])
	if err != nil {
		return err
	}
	axis := strings.Index("xyz", strings.ToLower(classifySliceAxis))
	if len(classifySliceAxis) != 1 || axis < 0 {
		return errors.Errorf("slice axis must be x, y or z, got %q", classifySliceAxis)
	}
	surf, err := readSurface(args[0], cfg.VertexTolerance, log)
	if err != nil {
		return err
	}
	classifyOpts, err := cfg.Classifier()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	return pstream.Run(cfg.Procs, func(c pstream.Comm) error {
		o, _, err := cfmesh.Generate(surf, cfg.Octree(), c,
			cfmesh.WithLogger(log),
			cfmesh.WithClassifierOptions(classifyOpts...),
		)
		if err != nil {
			return err
		}
		st, err := cfmesh.Summarize(o, c)
		if err != nil {
			return err
		}
		if c.Rank() == pstream.Master {
			fmt.Fprintln(w, st)
		}
		if classifyPlot == "" {
			return nil
		}
		leaves, err := o.GatherLeaves(c)
		if err != nil || c.Rank() != pstream.Master {
			return err
		}
		s := render.Slice{Axis: axis, Offset: d3.Comp(d3.Box(o.RootBox()).Center(), axis)}
		if cmd.Flags().Changed("slice-offset") {
			s.Offset = classifySliceOffset
		}
		return writePlot(classifyPlot, o, leaves, s)
	})
}

func writePlot(path string, o *octree.Octree, leaves []octree.CubeInfo, s render.Slice) error {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	p, err := render.SlicePlot(o, leaves, s)
	if err != nil {
		return err
	}
	fp, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render.WritePlot(fp, p, vg.Length(classifyPlotSize)*vg.Centimeter, format); err != nil {
		fp.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return fp.Close()
}
