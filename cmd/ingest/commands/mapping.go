package commands

import (
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/internal/httpclient"
	"github.com/kulturgut/ingest/ixgest/mapping"
	"github.com/kulturgut/ingest/ixgest/valueparse"
	"github.com/kulturgut/ingest/logger"
)

// MappingCmd works with mapping files
var MappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Check mapping files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var mappingCheckCmd = &cobra.Command{
	Use:   "check <file.yaml>...",
	Short: "Validate mappings and compile their parsers",
	Long: `Load each mapping, compile every attribute's parser and, for XML
mappings, print the derived record boundary.

Example:
  ingest mapping check catalog/mappings/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMappingCheck,
}

func init() {
	MappingCmd.AddCommand(mappingCheckCmd)
}

func runMappingCheck(cmd *cobra.Command, args []string) error {
	// Remote image parsers need a fetcher to compile; nothing is fetched here
	deps := valueparse.Deps{Fetcher: httpclient.New(httpclient.Options{}, nil, logger.ComponentLogger("fetch"))}
	if cfg, err := loadConfig(cmd); err == nil {
		deps.MPlusURL = cfg.Images.MPlusURL
	}

	var failed int
	for _, path := range args {
		if err := checkMapping(path, deps); err != nil {
			pterm.Error.Printfln("%s: %v", path, err)
			failed++
		}
	}
	if failed > 0 {
		return errors.Newf("%d of %d mappings invalid", failed, len(args))
	}
	return nil
}

func checkMapping(path string, deps valueparse.Deps) error {
	m, err := mapping.Load(path)
	if err != nil {
		return err
	}
	deps.BaseDir = filepath.Dir(path)
	factories, err := valueparse.CompileAll(m, deps)
	if err != nil {
		return err
	}

	pterm.Success.Printfln("%s (%s, %d attributes)", m.Name, m.Format, len(factories))
	if m.Format == mapping.FormatXML {
		boundary, err := m.Boundary()
		if err != nil {
			return err
		}
		pterm.Info.Printfln("Record boundary: /%s", boundary)
	}

	data := pterm.TableData{{"SOURCE", "DESTINATION", "PARSER", "REQUIRED"}}
	for _, f := range factories {
		a := f.Attribute()
		required := ""
		if a.Required {
			required = "yes"
		}
		data = append(data, []string{a.Source, a.Destination, string(a.Parser), required})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
