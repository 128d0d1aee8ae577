package main

import (
	"context"

	"github.com/jobvault/jobvault/pkg/cli"
	"github.com/jobvault/jobvault/pkg/config"
	"github.com/jobvault/jobvault/pkg/observability/logger"
	"github.com/jobvault/jobvault/pkg/queue"
)

func main() {
	cmd := cli.NewServiceCommand(cli.ServiceOptions{
		Name:        "jobvault",
		Description: "Durable job queue with lease-based reservation",
		EnvPrefix:   "JOBVAULT",
		ConfigureWorker: func(cfg *config.Config, log logger.Logger, worker *queue.Worker) error {
			// echo copies the payload into the result. Useful for smoke
			// testing a deployment end to end.
			return worker.Register("echo", func(ctx context.Context, job *queue.Job) error {
				job.Result = job.Payload
				return nil
			})
		},
	})
	cli.Execute(cmd)
}
