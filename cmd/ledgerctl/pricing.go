package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/bananafyi/tokens/internal/pricing"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/spf13/cobra"
)

var (
	estimateSlides        int
	estimateWebSearch     bool
	estimateContentImages int
	estimateVisualImages  int
)

var packsCmd = &cobra.Command{
	Use:         "packs",
	Short:       "List purchasable token packs",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{offlineAnnotation: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		renderPacks(os.Stdout, pricing.Packs())
	},
}

var estimateCmd = &cobra.Command{
	Use:         "estimate",
	Short:       "Estimate the token cost of a presentation",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{offlineAnnotation: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		renderEstimate(os.Stdout, estimateSlides, estimateWebSearch, estimateContentImages, estimateVisualImages)
	},
}

var costsCmd = &cobra.Command{
	Use:         "costs",
	Short:       "List the per-operation token costs",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{offlineAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		table := newTable(os.Stdout, []string{"Operation", "Tokens"})
		for _, op := range models.OperationTypes() {
			cost, err := pricing.CostOf(op)
			if err != nil {
				return err
			}
			table.Append([]string{string(op), cost.String()})
		}
		table.Render()
		return nil
	},
}

func renderPacks(w io.Writer, packs []pricing.Pack) {
	table := newTable(w, []string{"Pack", "Name", "Tokens", "Price", "Tokens/$"})
	for _, p := range packs {
		table.Append([]string{
			string(p.Type),
			p.Name,
			strconv.FormatInt(p.Tokens, 10),
			"$" + p.Price().StringFixed(2),
			p.TokensPerDollar().String(),
		})
	}
	table.Render()
}

func renderEstimate(w io.Writer, slides int, webSearch bool, contentImages, visualImages int) {
	if slides < 0 {
		slides = 0
	}
	totalSlides := slides + 1
	outline := pricing.OutlineCost(webSearch, contentImages)
	prompts := pricing.ImagePromptsCost(totalSlides, visualImages)
	total := pricing.EstimatePresentationCost(slides, webSearch, contentImages, visualImages)

	table := newTable(w, []string{"Item", "Cost"})
	table.Append([]string{"outline", outline.String()})
	table.Append([]string{"image prompts", prompts.String()})
	table.Append([]string{fmt.Sprintf("slide images (%d)", totalSlides), total.Sub(outline).Sub(prompts).String()})
	table.SetFooter([]string{"total", fmt.Sprintf("%s (%d tokens)", total.String(), pricing.Tokens(total))})
	table.Render()
}

func init() {
	estimateCmd.Flags().IntVar(&estimateSlides, "slides", 0, "Number of content slides")
	estimateCmd.Flags().BoolVar(&estimateWebSearch, "web-search", true, "Generate the outline with web search")
	estimateCmd.Flags().IntVar(&estimateContentImages, "content-images", 0, "Images generated for content slides")
	estimateCmd.Flags().IntVar(&estimateVisualImages, "visual-images", 0, "Images generated for visual slides")

	rootCmd.AddCommand(packsCmd)
	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(costsCmd)
}
