package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vidflow/internal/app"
	"vidflow/internal/jobs"
	"vidflow/internal/storage"
	"vidflow/internal/workflow"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Create, inspect and operate processing jobs",
	}
	jobCmd.AddCommand(
		newJobCreateCommand(ctx),
		newJobGetCommand(ctx),
		newJobListCommand(ctx),
		newJobCancelCommand(ctx),
		newJobRetryCommand(ctx),
		newJobAdvanceCommand(ctx),
		newJobDeleteCommand(ctx),
	)
	return jobCmd
}

func newJobCreateCommand(ctx *commandContext) *cobra.Command {
	var (
		queueName  string
		priority   int
		maxRetries int
		noDispatch bool
	)
	cmd := &cobra.Command{
		Use:   "create <video-id>",
		Short: "Create a job for a video and place it on its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := jobs.Options{QueueName: queueName, Priority: priority}
			if cmd.Flags().Changed("max-retries") {
				opts.MaxRetries = &maxRetries
			}
			return ctx.withRuntime(cmd, func(c context.Context, rt *app.Runtime) error {
				coord := rt.Coordinator()
				var (
					j   jobs.Job
					err error
				)
				if noDispatch {
					j, err = coord.Create(c, args[0], opts)
				} else {
					j, err = coord.Submit(c, args[0], opts)
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd, j)
			})
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", jobs.QueueVideoProcessing, "Queue that carries the job")
	cmd.Flags().IntVar(&priority, "priority", 0, "Dispatch priority; higher runs first")
	cmd.Flags().IntVar(&maxRetries, "max-retries", jobs.DefaultMaxRetries, "Retries allowed after a failure")
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "Create the job without enqueueing it")
	return cmd
}

func newJobGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(c context.Context, rt *app.Runtime) error {
				j, err := rt.Coordinator().Get(c, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, j)
			})
		},
	}
}

func newJobListCommand(ctx *commandContext) *cobra.Command {
	var (
		videoID string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(c context.Context, rt *app.Runtime) error {
				items, err := rt.Coordinator().List(c, videoID, limit)
				if err != nil {
					return err
				}
				if asJSON {
					if items == nil {
						items = []jobs.Job{}
					}
					return writeJSON(cmd, items)
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Video", "Queue", "Status", "Progress", "Retries", "Created"},
					jobListRows(items),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&videoID, "video", "", "Only list jobs of this video")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newJobCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(c context.Context, rt *app.Runtime) error {
				j, err := rt.Coordinator().Cancel(c, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, j)
			})
		},
	}
}

func newJobRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Return a failed job to its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(c context.Context, rt *app.Runtime) error {
				j, err := rt.Coordinator().Retry(c, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, j)
			})
		},
	}
}

func newJobAdvanceCommand(ctx *commandContext) *cobra.Command {
	var (
		progress int
		status   string
	)
	cmd := &cobra.Command{
		Use:   "advance <job-id> <stage>",
		Short: "Record stage progress by hand",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := jobs.ParseStage(args[1])
			if err != nil {
				return err
			}
			stageStatus, err := jobs.ParseStageStatus(status)
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(c context.Context, rt *app.Runtime) error {
				j, err := rt.Coordinator().AdvanceStage(c, args[0], stage, progress, stageStatus)
				if err != nil {
					return err
				}
				return writeJSON(cmd, j)
			})
		},
	}
	cmd.Flags().IntVar(&progress, "progress", 0, "Stage progress from 0 to 100")
	cmd.Flags().StringVar(&status, "status", string(jobs.StageProcessing), "Stage status (pending, processing, completed, failed)")
	return cmd
}

func newJobDeleteCommand(ctx *commandContext) *cobra.Command {
	var videoID string
	cmd := &cobra.Command{
		Use:   "delete [job-id]",
		Short: "Delete a job, or every job of a video with --video",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (videoID != "") {
				return fmt.Errorf("pass either a job id or --video")
			}
			return ctx.withRuntime(cmd, func(c context.Context, rt *app.Runtime) error {
				if videoID != "" {
					var opts []workflow.CoordinatorOption
					if objects, err := storage.NewS3FromConfig(rt.Config.S3); err == nil {
						opts = append(opts, workflow.WithObjectStorage(objects))
					}
					n, err := rt.Coordinator(opts...).DeleteForVideo(c, videoID)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d job(s) of video %s\n", n, videoID)
					return nil
				}
				if err := rt.Coordinator().Delete(c, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&videoID, "video", "", "Delete every job of this video")
	return cmd
}
