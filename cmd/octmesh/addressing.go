package main

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"
)

var (
	addrFeatureAngle float64
	addrVertexTol    float64
)

var addressingCmd = &cobra.Command{
	Use:   "addressing [file]",
	Short: "Report the connectivity of an STL surface",
	Long: `Weld the triangles of an STL file and report points, facets, edges,
open and non-manifold edges and feature edges. A surface suitable for
classification has no open edges.`,
	Args: cobra.ExactArgs(1),
	RunE: runAddressing,
}

func init() {
	rootCmd.AddCommand(addressingCmd)

	addressingCmd.Flags().Float64Var(&addrFeatureAngle, "feature-angle", 45, "Feature edge angle in degrees")
	addressingCmd.Flags().Float64Var(&addrVertexTol, "vertex-tol", 0, "Vertex welding tolerance, 0 to infer it")
}

func runAddressing(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	surf, err := readSurface(args[0], addrVertexTol, log)
	if err != nil {
		return err
	}
	addr := surf.Addressing()
	var open, nonManifold int
	for _, facets := range addr.EdgeFacets() {
		switch {
		case len(facets) == 1:
			open++
		case len(facets) > 2:
			nonManifold++
		}
	}
	bb := surf.Bounds()
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "points:              %d\n", len(surf.Points()))
	fmt.Fprintf(w, "facets:              %d\n", len(surf.Facets()))
	fmt.Fprintf(w, "regions:             %v\n", surf.Regions())
	fmt.Fprintf(w, "edges:               %d\n", len(addr.Edges()))
	fmt.Fprintf(w, "open edges:          %d\n", open)
	fmt.Fprintf(w, "non-manifold edges:  %d\n", nonManifold)
	fmt.Fprintf(w, "feature edges:       %d (%g degrees)\n", len(addr.FeatureEdges(addrFeatureAngle*math.Pi/180)), addrFeatureAngle)
	fmt.Fprintf(w, "bounds:              %v to %v\n", bb.Min, bb.Max)
	fmt.Fprintf(w, "size:                %v\n", bb.Size())
	return nil
}
