// Command octmesh builds and classifies octrees over STL surfaces.
package main

import (
	"fmt"
	"os"

	"github.com/soypat/cfmesh/surface"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:   "octmesh",
	Short: "Octree construction and inside/outside classification over STL surfaces",
	Long: `octmesh refines an octree around a closed triangulated surface read from
an STL file and classifies its leaves as inside, outside or intersected by
the surface. Refinement is configured by a TOML meshing dictionary.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log debug messages")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger returns a console logger writing to stderr.
func newLogger() (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = !debug
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func readSurface(path string, vertexTol float64, log *zap.SugaredLogger) (*surface.Surface, error) {
	soup, err := surface.ReadSTLFile(path)
	if err != nil {
		return nil, err
	}
	surf, err := surface.FromSoup(soup, vertexTol, surface.WithLogger(log))
	if err != nil {
		return nil, err
	}
	log.Infof("read %s: %d triangles welded into %d facets over %d points",
		path, len(soup.Triangles), len(surf.Facets()), len(surf.Points()))
	return surf, nil
}
