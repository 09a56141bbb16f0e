package main

import (
	"fmt"

	"github.com/flanksource/clicky"
	"github.com/spf13/cobra"
)

func createImagesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "Build or list the test images",
	}
	cmd.AddCommand(createImagesBuildCommand(), createImagesListCommand())
	return cmd
}

func createImagesBuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Build the image for each version unless one is already tagged",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			h, err := newHarness(ctx)
			if err != nil {
				return err
			}
			defer h.Runtime.Close()

			for _, version := range conf.Versions {
				image, err := h.Images.Resolve(ctx, version)
				if err != nil {
					return err
				}
				clicky.Infof("PostgreSQL %s: %s (%s)", version, image.Tags[0], image.ShortID())
			}
			return nil
		},
	}
}

func createImagesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List images tagged with the marker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			h, err := newHarness(ctx)
			if err != nil {
				return err
			}
			defer h.Runtime.Close()

			images, err := h.Images.Owned(ctx)
			if err != nil {
				return err
			}
			if len(images) == 0 {
				clicky.Infof("No images tagged %s*", h.Registry.Prefix())
				return nil
			}
			fmt.Println(clicky.MustFormat(images))
			return nil
		},
	}
}
