package cmd

import (
	"os"

	"github.com/go-redis/redis"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "slitectl",
	Short: "slitectl submits jobs to and inspects the slite GPU scheduler.",
}

func init() {
	rootCmd.PersistentFlags().String(
		"redis", "localhost:6379", "address of the redis instance backing the scheduler")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func withDatabase(cmd *cobra.Command, action func(db redis.UniversalClient) error) error {
	addr, _ := cmd.Flags().GetString("redis")
	db := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer db.Close()
	return action(db)
}
