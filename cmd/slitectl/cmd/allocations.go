package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/go-redis/redis"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/torrvision/slite/internal/slite/api"
	"github.com/torrvision/slite/internal/slite/repository"
)

func init() {
	rootCmd.AddCommand(allocationsCmd)
	allocationsCmd.Flags().Bool("all", false, "include completed and terminated allocations")
}

var allocationsCmd = &cobra.Command{
	Use:   "allocations",
	Short: "Lists allocations and the resources they hold",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		return withDatabase(cmd, func(db redis.UniversalClient) error {
			allocations, err := repository.NewRedisAllocationRepository(db).GetAllocations()
			if err != nil {
				return err
			}

			jobIds := maps.Keys(allocations)
			sort.Strings(jobIds)

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tUSER\tNODE\tGPUS\tMOUNTPOINT\tSTATE\tSTARTED\tTIME LIMIT")
			for _, jobId := range jobIds {
				allocation := allocations[jobId]
				if !all && !allocation.State.Active() {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\t%s\t%s\n",
					allocation.JobId, allocation.User, allocation.NodeId, allocation.GpuIds,
					formatMountpoint(allocation), allocation.State,
					allocation.Started.Format("2006-01-02 15:04:05"), allocation.TimeLimit)
			}
			return w.Flush()
		})
	},
}

func formatMountpoint(allocation *api.Allocation) string {
	if allocation.Mountpoint == "" {
		return "-"
	}
	return allocation.Mountpoint
}
