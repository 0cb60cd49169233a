package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/go-redis/redis"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/torrvision/slite/internal/slite/repository"
)

func init() {
	rootCmd.AddCommand(nodesCmd)
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Lists the most recent monitor report for every node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(db redis.UniversalClient) error {
			reports, err := repository.NewRedisNodeRepository(db).GetNodeReports()
			if err != nil {
				return err
			}

			nodeIds := maps.Keys(reports)
			sort.Strings(nodeIds)

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tFREE GPUS\tTOTAL GPUS\tVOLUMES\tLAST REPORT")
			for _, nodeId := range nodeIds {
				report := reports[nodeId]
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s ago\n",
					report.NodeId, report.FreeGpuCount(), len(report.Gpus), len(report.Volumes),
					time.Since(report.ReportTime).Round(time.Second))
			}
			return w.Flush()
		})
	},
}
