package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/go-redis/redis"
	"github.com/spf13/cobra"

	"github.com/torrvision/slite/internal/slite/repository"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.Flags().Int64("limit", 50, "maximum number of jobs to list")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Lists pending jobs in submission order",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt64("limit")

		return withDatabase(cmd, func(db redis.UniversalClient) error {
			jobs, err := repository.NewRedisJobRepository(db).PeekPending(limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tGPUS\tSTORAGE\tTIME LIMIT\tSUBMITTED\tSCRIPT")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d (%s)\t%s\t%s\t%s\n",
					job.Id, job.User, job.GpuCount, job.StorageBytes, job.StorageKind,
					job.TimeLimit, job.Submitted.Format("2006-01-02 15:04:05"), job.ScriptPath)
			}
			return w.Flush()
		})
	},
}
