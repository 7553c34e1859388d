package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/danielsousast/expo-background-upload/pkg/env"
	"github.com/danielsousast/expo-background-upload/pkg/logging"
)

func main() {

	env.LoadEnv()
	logging.InitLogger(env.GetEnv("BGUPLOAD_DEBUG", "") == "true")

	app := &cli.App{
		Name:  "bgupload",
		Usage: "Resumable background uploads that survive restarts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: ".",
				Usage: "directory holding config.yaml",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "verbose text logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logging.InitLogger(true)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Aliases:   []string{"u"},
				Usage:     "Upload a file and wait for it to finish",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Required: true, Usage: "destination URL"},
					&cli.StringSliceFlag{Name: "header", Aliases: []string{"H"}, Usage: "request header as name:value"},
					&cli.StringFlag{Name: "method", Value: "POST", Usage: "POST, PUT or PATCH"},
					&cli.StringFlag{Name: "field", Value: "file", Usage: "multipart field name"},
					&cli.StringFlag{Name: "name", Usage: "file name sent to the destination"},
					&cli.StringFlag{Name: "type", Usage: "content type of the file"},
					&cli.BoolFlag{Name: "resumable", Usage: "use the ranged protocol and continue from the remote offset"},
				},
				Action: uploadAction,
			},
			{
				Name:   "resume",
				Usage:  "Continue every stored upload and wait for them",
				Action: resumeAction,
			},
			{
				Name:  "list",
				Usage: "List stored uploads",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "status", Usage: "only show uploads with this status"},
				},
				Action: listAction,
			},
			{
				Name:      "ack",
				Usage:     "Forget a finished upload",
				ArgsUsage: "<id>",
				Action:    ackAction,
			},
			{
				Name:  "serve",
				Usage: "Run a receiver for both upload protocols",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address"},
					&cli.StringFlag{Name: "dir", Usage: "store received files here instead of memory"},
				},
				Action: serveAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}
