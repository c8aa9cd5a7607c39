package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (c *cli) authCmd() *cobra.Command {
	var jobName string
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize destination accounts and check every destination calendar is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jobs, err := selectJobs(c.app.config, jobName)
			if err != nil {
				return err
			}
			cf := c.factory()

			failed := 0
			for _, job := range jobs {
				fmt.Printf("🔄 %s: %s calendar %s\n", job.Name, job.Destination.Type, job.Destination.CalendarID)
				dest, err := cf.Destination(ctx, job, c.window())
				if err != nil {
					c.app.log.Errorf("%s: %v", job.Name, err)
					failed++
					continue
				}
				if !dest.IsAccessible(ctx) {
					c.app.log.Errorf("%s: calendar %s is not accessible", job.Name, job.Destination.CalendarID)
					failed++
					continue
				}
				fmt.Printf("✅ %s calendar %s is ready\n", strings.ToUpper(job.Destination.Type), job.Destination.CalendarID)
			}
			if failed > 0 {
				return fmt.Errorf("%d destinations not ready", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobName, "job", "j", "", "only check this job")
	return cmd
}
