package main

import (
	"context"

	"github.com/spf13/cobra"

	"vidflow/internal/app"
	"vidflow/internal/store"
)

func newVideoCommand(ctx *commandContext) *cobra.Command {
	videoCmd := &cobra.Command{
		Use:   "video",
		Short: "Register and inspect videos",
	}
	var title string
	add := &cobra.Command{
		Use:   "add <video-id> <local-path>",
		Short: "Register a video file for processing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(c context.Context, rt *app.Runtime) error {
				if err := rt.Store.UpsertVideo(c, store.Video{ID: args[0], Title: title, LocalPath: args[1]}); err != nil {
					return err
				}
				v, err := rt.Store.GetVideo(c, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, v)
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "Display title")
	show := &cobra.Command{
		Use:   "show <video-id>",
		Short: "Show a video with its transcript and summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(c context.Context, rt *app.Runtime) error {
				v, err := rt.Store.GetVideo(c, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, v)
			})
		},
	}
	videoCmd.AddCommand(add, show)
	return videoCmd
}
