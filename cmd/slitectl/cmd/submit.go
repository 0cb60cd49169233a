package cmd

import (
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/torrvision/slite/internal/slite/api"
	"github.com/torrvision/slite/internal/slite/repository"
)

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("user", "", "user the job is submitted on behalf of")
	submitCmd.Flags().Int("gpus", 1, "number of GPUs to request")
	submitCmd.Flags().String("storage-kind", "shared", "kind of storage needed: shared or local")
	submitCmd.Flags().Int64("storage", 0, "storage to reserve, in bytes")
	submitCmd.Flags().Duration("time-limit", 24*time.Hour, "maximum run time before forced termination")
	_ = submitCmd.MarkFlagRequired("user")
}

var submitCmd = &cobra.Command{
	Use:   "submit script_path",
	Short: "Queues a job for scheduling",
	Long: `Writes a job request to the durable queue. The scheduler picks it up on its
next cycle; the job stays pending until some node can hold it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		gpus, _ := cmd.Flags().GetInt("gpus")
		storageKind, _ := cmd.Flags().GetString("storage-kind")
		storage, _ := cmd.Flags().GetInt64("storage")
		timeLimit, _ := cmd.Flags().GetDuration("time-limit")

		return withDatabase(cmd, func(db redis.UniversalClient) error {
			jobs := repository.NewRedisJobRepository(db)
			job := jobs.CreateJob(user, args[0], gpus, api.StorageKind(storageKind), storage, timeLimit)
			if err := jobs.SubmitJob(job); err != nil {
				return err
			}
			log.Infof("Queued job: %s", job.Id)
			return nil
		})
	},
}
