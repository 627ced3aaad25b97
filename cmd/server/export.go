package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rpattn/flagstate/internal/domain"
	"github.com/rpattn/flagstate/internal/export"
	"github.com/rpattn/flagstate/internal/repository"
	"github.com/rpattn/flagstate/pkg/validator"
)

var exportOpts struct {
	environments []string
	projects     []string
	tags         []string
	namePrefix   string
	output       string
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an XLSX snapshot of client features per environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := validator.NewQueryValidator()
		tags, tagResult := v.ParseTags(exportOpts.tags)
		if err := tagResult.Err(); err != nil {
			return err
		}
		query := domain.FeatureQuery{
			Projects:   exportOpts.projects,
			Tags:       tags,
			NamePrefix: exportOpts.namePrefix,
		}
		if err := v.ValidateQuery(query).Err(); err != nil {
			return err
		}

		rt, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		environments := exportOpts.environments
		if len(environments) == 0 {
			environments, err = repository.NewEnvironmentRepository(rt.conn.Pool).ListEnabled(cmd.Context())
			if err != nil {
				return err
			}
		}

		features := repository.NewClientFeatureRepository(rt.conn.Pool,
			repository.WithDedupeDependencies(rt.cfg.ReadModel.DedupeDependencies),
		)
		service := export.NewService(features, export.WithLogger(rt.logger.Named("export")))

		output := exportOpts.output
		if output == "" {
			output = service.FileName(environments)
		}
		summary, err := service.WriteFile(cmd.Context(), output, export.Request{
			Environments: environments,
			Query:        query,
		})
		if err != nil {
			return err
		}

		abs, _ := filepath.Abs(output)
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows across %d sheets to %s\n", summary.Rows, len(summary.Sheets), abs)
		return nil
	},
}

func init() {
	flags := exportCmd.Flags()
	flags.StringSliceVarP(&exportOpts.environments, "environment", "e", nil, "environments to export (default: all enabled)")
	flags.StringSliceVarP(&exportOpts.projects, "project", "p", nil, "restrict to projects")
	flags.StringSliceVarP(&exportOpts.tags, "tag", "t", nil, "restrict to tags, type:value")
	flags.StringVar(&exportOpts.namePrefix, "name-prefix", "", "restrict to feature names with this prefix")
	flags.StringVarP(&exportOpts.output, "output", "o", "", "output file (default: generated name)")
}
